package notify

import (
	"context"
	"errors"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// Mailer delivers alert emails over SMTP. Delivery is best-effort: the
// machine queues notifications after a transition commits and only logs
// failures.
type Mailer struct {
	client    *mail.Client
	from      string
	recipient string
	logger    *zap.Logger
}

// Config holds SMTP settings.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	Recipient string
}

// NewMailer returns SMTP-backed mailer.
func NewMailer(cfg Config, logger *zap.Logger) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("notify: smtp host is empty")
	}
	if cfg.From == "" || cfg.Recipient == "" {
		return nil, errors.New("notify: from and recipient are required")
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, err
	}

	return &Mailer{
		client:    client,
		from:      cfg.From,
		recipient: cfg.Recipient,
		logger:    logger,
	}, nil
}

// Notify sends one plain-text alert.
func (m *Mailer) Notify(ctx context.Context, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return err
	}
	if err := msg.To(m.recipient); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		m.logger.Warn("alert delivery failed", zap.String("subject", subject), zap.Error(err))
		return err
	}
	return nil
}
