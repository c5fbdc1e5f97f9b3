// Package notify defines the notification dispatcher contract used by the
// token issuer. Email delivery is an external collaborator; the core only
// hands it (recipient, subject, body) and treats failures as non-fatal.
package notify

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/sirupsen/logrus"
)

// Notifier dispatches a notification to a recipient. Implementations must be
// safe for concurrent use. Callers log failures and carry on; a missed email
// never rolls back the operation that triggered it.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPNotifier sends mail through a plain SMTP relay.
type SMTPNotifier struct {
	addr string
	from string
}

// NewSMTPNotifier creates a notifier that relays through host:port.
func NewSMTPNotifier(host, port, from string) *SMTPNotifier {
	return &SMTPNotifier{
		addr: host + ":" + port,
		from: from,
	}
}

// Send relays one message. The context deadline is advisory here; smtp.SendMail
// manages its own connection lifetime.
func (n *SMTPNotifier) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		n.from, to, subject, body))

	if err := smtp.SendMail(n.addr, nil, n.from, []string{to}, msg); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}
	return nil
}

// LogNotifier writes notifications to the log instead of sending them. Used
// in development and whenever no SMTP relay is configured.
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send logs the notification and always succeeds.
func (n *LogNotifier) Send(ctx context.Context, to, subject, body string) error {
	n.logger.WithFields(logrus.Fields{
		"to":      to,
		"subject": subject,
	}).Info(body)
	return nil
}
