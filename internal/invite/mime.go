package invite

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

// MIME renders the invitation as a multipart/alternative message with an
// HTML part and a text/calendar part. An empty boundary gets a random one.
func (inv *Invitation) MIME(boundary string) ([]byte, error) {
	if boundary == "" {
		boundary = "----=" + uuid.NewString()
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("invite: boundary: %w", err)
	}

	html, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=UTF-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := html.Write([]byte(inv.HTMLBody)); err != nil {
		return nil, err
	}

	cal, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":        {`text/calendar; charset=UTF-8; method=REQUEST; name="invite.ics"`},
		"Content-Disposition": {`attachment; filename="invite.ics"`},
	})
	if err != nil {
		return nil, err
	}
	if _, err := cal.Write([]byte(inv.ICS)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	from := mail.Address{Name: inv.Organizer.Name, Address: inv.Organizer.Email}
	to := make([]string, 0, len(inv.Attendees))
	for _, a := range inv.Attendees {
		to = append(to, (&mail.Address{Name: a.Name, Address: a.Email}).String())
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from.String())
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", inv.Subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
