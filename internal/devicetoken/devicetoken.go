package devicetoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Generate derives the device auth token as hex HMAC-SHA256 of the device id.
func Generate(deviceID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(deviceID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticator validates device credentials against the derived HMAC token
// or, when configured, a fixed pre-shared token.
type Authenticator struct {
	secret      string
	staticToken string
}

// NewAuthenticator returns authenticator.
func NewAuthenticator(secret, staticToken string) *Authenticator {
	return &Authenticator{secret: secret, staticToken: staticToken}
}

// Verify reports whether the presented token authenticates the device.
// Comparisons are constant time.
func (a *Authenticator) Verify(deviceID, token string) bool {
	if token == "" {
		return false
	}
	if a.staticToken != "" && hmac.Equal([]byte(a.staticToken), []byte(token)) {
		return true
	}
	if deviceID == "" {
		return false
	}
	expected := Generate(deviceID, a.secret)
	return hmac.Equal([]byte(expected), []byte(token))
}
