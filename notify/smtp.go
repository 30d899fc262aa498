package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// SMTPConfig configures the direct mail sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender delivers jobs as plain-text mail.
type SMTPSender struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
}

// NewSMTPSender returns a sender for cfg.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail}
}

// Send implements Sender. net/smtp has no context support, so ctx is only
// checked before dialing.
func (s *SMTPSender) Send(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, body := Render(job)
	msg := strings.Join([]string{
		"From: " + s.cfg.From,
		"To: " + job.To,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.sendMail(addr, auth, s.cfg.From, []string{job.To}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send %s: %w", job.Type, err)
	}
	return nil
}

// Render produces the subject and plain-text body of job.
func Render(job Job) (subject, body string) {
	name := job.Payload[KeyName]
	if name == "" {
		name = "there"
	}
	switch job.Type {
	case JobVerificationCode:
		return "Verify your email",
			fmt.Sprintf("Hi %s,\n\nYour verification code is %s. It expires in %s.\n", name, job.Payload[KeyCode], job.Payload[KeyExpiresIn])
	case JobResetCode:
		return "Your password reset code",
			fmt.Sprintf("Hi %s,\n\nYour password reset code is %s. It expires in %s.\n", name, job.Payload[KeyCode], job.Payload[KeyExpiresIn])
	case JobResetLink:
		return "Reset your password",
			fmt.Sprintf("Hi %s,\n\nReset your password here: %s\nThe link expires in %s.\n", name, job.Payload[KeyLink], job.Payload[KeyExpiresIn])
	case JobWelcome:
		return "Welcome!",
			fmt.Sprintf("Hi %s,\n\nYour email is verified and your account is ready.\n", name)
	case JobPasswordChanged:
		return "Your password was changed",
			fmt.Sprintf("Hi %s,\n\nYour password was changed and every session was signed out. If this was not you, reset your password now.\n", name)
	default:
		return string(job.Type), ""
	}
}

// LogSender writes jobs to the logger instead of delivering them. It is
// meant for development; payloads are only logged at debug level.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a LogSender writing to logger.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, job Job) error {
	s.logger.Info("notification", zap.String("job_type", string(job.Type)), zap.String("to", job.To))
	if ce := s.logger.Check(zap.DebugLevel, "notification payload"); ce != nil {
		ce.Write(zap.String("job_type", string(job.Type)), zap.Any("payload", job.Payload))
	}
	return nil
}
