// Package notify delivers submission notifications to admins over the
// in-app feed and email.
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

	"github.com/xhad/pressroom/internal/models"
	"github.com/xhad/pressroom/internal/types"
)

var ErrNotConfigured = errors.New("notifier not configured")

// InApp records the notification in the row store where the admin
// dashboard reads it.
type InApp struct {
	writer types.NotificationWriter
}

func NewInApp(writer types.NotificationWriter) *InApp {
	return &InApp{writer: writer}
}

func (n *InApp) Channel() string { return types.ChannelInApp }

func (n *InApp) Notify(ctx context.Context, msg models.Notification) error {
	if n.writer == nil {
		return ErrNotConfigured
	}
	return n.writer.InsertNotification(ctx, types.ChannelInApp, msg)
}

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string

	// SendMail defaults to sendMail, which honours ctx cancellation and deadline.
	SendMail func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

type Email struct {
	config EmailConfig
}

func NewEmail(config EmailConfig) *Email {
	if config.Port == 0 {
		config.Port = 587
	}
	if config.SendMail == nil {
		config.SendMail = sendMail
	}
	return &Email{config: config}
}

func (n *Email) Channel() string { return types.ChannelEmail }

func (n *Email) Notify(ctx context.Context, msg models.Notification) error {
	if n.config.Host == "" || n.config.From == "" || len(n.config.To) == 0 {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if n.config.Username != "" {
		auth = smtp.PlainAuth("", n.config.Username, n.config.Password, n.config.Host)
	}

	addr := net.JoinHostPort(n.config.Host, strconv.Itoa(n.config.Port))
	if err := n.config.SendMail(ctx, addr, auth, n.config.From, n.config.To, n.compose(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// sendMail is smtp.SendMail bounded by ctx: the connection carries the
// context deadline and is closed as soon as ctx is done.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) (err error) {
	stop := func() bool { return false }
	defer func() {
		stop()
		if err == nil {
			return
		}
		// The conn deadline is the ctx deadline, so a timeout means ctx is
		// about to expire.
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if _, ok := ctx.Deadline(); ok {
				<-ctx.Done()
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
	}()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return err
		}
	}
	stop = context.AfterFunc(ctx, func() { conn.Close() })

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		conn.Close()
		return err
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
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
			return errors.New("smtp: server doesn't support AUTH")
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

func (n *Email) compose(msg models.Notification) []byte {
	var b strings.Builder
	b.WriteString("From: " + n.config.From + "\r\n")
	b.WriteString("To: " + strings.Join(n.config.To, ", ") + "\r\n")
	b.WriteString("Subject: " + sanitizeHeader(msg.Title) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	for _, u := range msg.FileURLs {
		b.WriteString("\r\n" + u)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
