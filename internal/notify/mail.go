package notify

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	client *mail.Client
	from   string
}

// NewSMTPMailer creates an SMTPMailer. Authentication is used when a
// username is configured; TLS is used when the server offers it.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
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
		return nil, errors.Wrap(err, "create smtp client")
	}
	return &SMTPMailer{client: client, from: cfg.From}, nil
}

// Send delivers m.
func (s *SMTPMailer) Send(ctx context.Context, m Message) error {
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return errors.Wrap(err, "from")
	}
	if err := msg.To(m.To); err != nil {
		return errors.Wrapf(err, "to %q", m.To)
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextPlain, m.Body)

	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return errors.Wrap(err, "send mail")
	}
	return nil
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	lg *zap.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(lg *zap.Logger) *LogMailer {
	return &LogMailer{lg: lg}
}

// Send logs m.
func (l *LogMailer) Send(_ context.Context, m Message) error {
	l.lg.Info("Mail",
		zap.String("to", m.To),
		zap.String("subject", m.Subject),
		zap.String("body", m.Body),
	)
	return nil
}
