package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SendMailFunc delivers msg over SMTP. It must give up when ctx is done.
type SendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends plain-text alert mails over SMTP.
type Email struct {
	addr       string
	auth       smtp.Auth
	sender     string
	recipients []string
	send       SendMailFunc
}

// NewEmail creates the email channel. A nil send uses SendMail.
func NewEmail(cfg domain.EmailConfig, send SendMailFunc) *Email {
	if send == nil {
		send = SendMail
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}

	var recipients []string
	for _, r := range cfg.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}

	return &Email{
		addr:       net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		auth:       auth,
		sender:     cfg.Sender,
		recipients: recipients,
		send:       send,
	}
}

// SendMail is smtp.SendMail bound to ctx: the dial honours ctx and the
// connection is torn down as soon as ctx is done. It upgrades to STARTTLS
// when the server offers it.
func SendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock any pending read or write once ctx ends.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := exchange(conn, host, a, from, to, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func exchange(conn net.Conn, host string, a smtp.Auth, from string, to []string, msg []byte) error {
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// Name implements domain.NotificationChannel.
func (e *Email) Name() string {
	return domain.ChannelEmail
}

// Send implements domain.NotificationChannel.
func (e *Email) Send(ctx context.Context, a *domain.Alert) error {
	if len(e.recipients) == 0 {
		return fmt.Errorf("email: no recipients configured")
	}

	if err := e.send(ctx, e.addr, e.auth, e.sender, e.recipients, e.compose(a)); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

// Subject returns the mail subject for an alert.
func Subject(a *domain.Alert) string {
	return fmt.Sprintf("FRAUD ALERT - %s Priority - Transaction %s", a.Priority, oneLine(a.TxID))
}

// oneLine folds CR and LF into spaces so a value cannot start a new header.
func oneLine(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}

func (e *Email) compose(a *domain.Alert) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\r\n", oneLine(e.sender))
	fmt.Fprintf(&b, "To: %s\r\n", oneLine(strings.Join(e.recipients, ", ")))
	fmt.Fprintf(&b, "Subject: %s\r\n", Subject(a))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")

	fmt.Fprintf(&b, "FRAUD DETECTION ALERT\r\n\r\n%s PRIORITY TRANSACTION DETECTED\r\n\r\n", a.Priority)
	b.WriteString("TRANSACTION DETAILS:\r\n")
	fmt.Fprintf(&b, "- Alert ID: %s\r\n", oneLine(a.ID))
	fmt.Fprintf(&b, "- Transaction ID: %s\r\n", oneLine(a.TxID))
	fmt.Fprintf(&b, "- Amount: %.2f\r\n", a.Amount)
	fmt.Fprintf(&b, "- Risk Score: %.1f%%\r\n", a.Score*100)
	fmt.Fprintf(&b, "- Method: %s\r\n", a.Method)
	fmt.Fprintf(&b, "- Timestamp: %s\r\n\r\n", a.CreatedAt.UTC().Format(time.RFC3339))

	fmt.Fprintf(&b, "ANALYSIS SUMMARY:\r\n%s\r\n\r\n", a.Summary)

	b.WriteString("FRAUD INDICATORS:\r\n")
	for _, f := range a.Factors {
		fmt.Fprintf(&b, "- %s\r\n", f)
	}
	b.WriteString("\r\nRECOMMENDED ACTIONS:\r\n")
	for _, r := range a.Recommendations {
		fmt.Fprintf(&b, "- %s\r\n", r)
	}

	return []byte(b.String())
}
