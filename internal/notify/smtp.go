package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/kozaktomas/attendance/internal/session"
)

const attendanceSubject = "Attendance Marked"

var attendanceTemplate = template.Must(template.New("attendance").Parse(`<html>
<body>
  <h2>Attendance Marked</h2>
  <p>Hello {{.FirstName}},</p>
  <p>Your attendance has been marked for session <b>{{.SessionID}}</b> in class <b>{{.ClassName}}</b>.</p>
  <p>If you believe this is a mistake, please contact your lecturer.</p>
  <br>
  <p>Best regards,<br>Attendance System Team</p>
</body>
</html>
`))

// SendFunc has the signature of smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier e-mails identities when they are marked present.
type SMTPNotifier struct {
	addr     string
	auth     smtp.Auth
	from     string
	contacts Contacts
	send     SendFunc
}

// NewSMTPNotifier creates a notifier sending through host:port. Auth is only
// used when user is set.
func NewSMTPNotifier(host string, port int, user, password, from string, contacts Contacts) *SMTPNotifier {
	var auth smtp.Auth
	if user != "" {
		auth = smtp.PlainAuth("", user, password, host)
	}
	return &SMTPNotifier{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		auth:     auth,
		from:     from,
		contacts: contacts,
		send:     smtp.SendMail,
	}
}

// WithSender replaces smtp.SendMail, for tests.
func (n *SMTPNotifier) WithSender(send SendFunc) *SMTPNotifier {
	n.send = send
	return n
}

// Notify sends the attendance e-mail. Identities without a contact are
// skipped silently.
func (n *SMTPNotifier) Notify(ctx context.Context, ev session.MarkEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	contact, ok := n.contacts.Lookup(ev.IdentityID)
	if !ok {
		return nil
	}
	msg, err := n.message(contact, ev)
	if err != nil {
		return err
	}
	if err := n.send(n.addr, n.auth, n.from, []string{contact.Email}, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", contact.Email, err)
	}
	return nil
}

func (n *SMTPNotifier) message(c Contact, ev session.MarkEvent) ([]byte, error) {
	firstName := c.FirstName
	if firstName == "" {
		firstName = ev.IdentityID
	}
	var body bytes.Buffer
	err := attendanceTemplate.Execute(&body, struct {
		FirstName string
		SessionID string
		ClassName string
	}{firstName, ev.SessionID, ev.ClassName})
	if err != nil {
		return nil, fmt.Errorf("render mail: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.from)
	fmt.Fprintf(&msg, "To: %s\r\n", c.Email)
	fmt.Fprintf(&msg, "Subject: %s\r\n", attendanceSubject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return msg.Bytes(), nil
}
