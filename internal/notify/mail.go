package notify

import (
	"errors"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/campusweb/atlas/internal/config"
)

// mailer lets tests capture sends without an SMTP server.
type mailer interface {
	Send(to []string, subject, body string) error
}

// smtpMailer delivers over STARTTLS with LOGIN auth. Bodies are always
// plaintext.
type smtpMailer struct {
	cfg *config.Config
}

func (m smtpMailer) Send(to []string, subject, body string) error {
	s := m.cfg.SMTP
	addr := s.Host + ":" + strconv.Itoa(s.Port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		s.From, strings.Join(to, ", "), subject, body)
	var auth smtp.Auth
	if s.Username != "" {
		auth = loginAuth{username: s.Username, password: s.Password}
	}
	// smtp.SendMail upgrades to TLS when the server advertises STARTTLS
	return smtp.SendMail(addr, auth, s.From, to, []byte(msg))
}

// loginAuth implements the LOGIN mechanism, which net/smtp does not ship.
type loginAuth struct {
	username, password string
}

func (a loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, errors.New("notify: refusing LOGIN auth without TLS")
	}
	return "LOGIN", nil, nil
}

func (a loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	}
	return nil, fmt.Errorf("notify: unexpected server challenge %q", fromServer)
}
