package devicetoken

import "testing"

func TestVerifyDerivedToken(t *testing.T) {
	auth := NewAuthenticator("secret", "")

	token := Generate("esp32-01", "secret")
	if !auth.Verify("esp32-01", token) {
		t.Fatalf("expected derived token to verify")
	}
	if auth.Verify("esp32-02", token) {
		t.Fatalf("token for another device must not verify")
	}
	if auth.Verify("esp32-01", Generate("esp32-01", "other")) {
		t.Fatalf("token from another secret must not verify")
	}
	if auth.Verify("esp32-01", "") {
		t.Fatalf("empty token must not verify")
	}
}

func TestVerifyStaticToken(t *testing.T) {
	auth := NewAuthenticator("secret", "pre-shared")

	if !auth.Verify("", "pre-shared") {
		t.Fatalf("expected static token to verify without device id")
	}
	if auth.Verify("", "wrong") {
		t.Fatalf("wrong static token must not verify")
	}
	if !auth.Verify("esp32-01", Generate("esp32-01", "secret")) {
		t.Fatalf("derived token must still verify with static token configured")
	}
}
