package invite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appLog "fairplay/internal/log"
)

// Sink delivers invitations. Send must not report success unless the
// message was handed off; the dispatcher marks the instance as sent only
// after Send returns nil.
type Sink interface {
	Name() string
	Send(ctx context.Context, inv *Invitation) error
}

type logSink struct{}

// NewLog returns a sink that only logs what it would send.
func NewLog() Sink { return logSink{} }

func (logSink) Name() string { return "log" }

func (logSink) Send(_ context.Context, inv *Invitation) error {
	appLog.Info("invite: would send",
		"instance", inv.InstanceID,
		"subject", inv.Subject,
		"to", strings.Join(inv.Recipients(), ","),
		"start", inv.Start,
	)
	return nil
}

type outboxSink struct {
	dir string
	now func() time.Time
}

// NewOutbox returns a sink that writes each invitation as an .eml file into
// dir, for pickup by an external mailer.
func NewOutbox(dir string) (Sink, error) {
	if dir == "" {
		return nil, errors.New("invite: outbox dir is empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("invite: create outbox: %w", err)
	}
	return &outboxSink{dir: dir, now: time.Now}, nil
}

func (o *outboxSink) Name() string { return "outbox" }

func (o *outboxSink) Send(ctx context.Context, inv *Invitation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := inv.MIME("")
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s-%d.eml", safeName(inv.InstanceID), o.now().UnixNano())

	// Write to a temp file in the same directory, then rename, so a mailer
	// polling the directory never sees a partial message.
	tmp, err := os.CreateTemp(o.dir, ".invite-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(msg); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(o.dir, name)); err != nil {
		return fmt.Errorf("invite: outbox rename: %w", err)
	}

	appLog.Info("invite: written to outbox", "instance", inv.InstanceID, "file", name, "recipients", len(inv.Attendees))
	return nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// SMTPConfig configures the SMTP sink. Username empty means no AUTH.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

type smtpSink struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTP returns a sink that relays through an SMTP server.
func NewSMTP(cfg SMTPConfig) (Sink, error) {
	if cfg.Host == "" {
		return nil, errors.New("invite: smtp host is empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &smtpSink{cfg: cfg, send: smtp.SendMail}, nil
}

func (s *smtpSink) Name() string { return "smtp" }

func (s *smtpSink) Send(ctx context.Context, inv *Invitation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := inv.MIME("")
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.send(addr, auth, inv.Organizer.Email, inv.Recipients(), msg); err != nil {
		return fmt.Errorf("invite: smtp send: %w", err)
	}
	appLog.Info("invite: sent via smtp", "instance", inv.InstanceID, "recipients", len(inv.Attendees))
	return nil
}
