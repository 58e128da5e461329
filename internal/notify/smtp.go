package notify

import (
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPSender delivers over plain SMTP with optional auth. It is the only
// production Sender; tests inject fakes instead.
type SMTPSender struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

func (s *SMTPSender) Send(to, subject, htmlBody string) (DeliveryResult, error) {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	msg := strings.Join([]string{
		"From: " + s.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=\"UTF-8\"",
		"",
		htmlBody,
	}, "\r\n")

	var auth smtp.Auth
	if s.User != "" {
		auth = smtp.PlainAuth("", s.User, s.Password, s.Host)
	}
	if err := smtp.SendMail(addr, auth, s.From, []string{to}, []byte(msg)); err != nil {
		return DeliveryResult{Success: false, StatusCode: 550}, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return DeliveryResult{Success: true, StatusCode: 250}, nil
}
