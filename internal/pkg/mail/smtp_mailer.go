package mail

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/gofiber/fiber/v2/log"
	"github.com/wagginmeals/storefront/internal/pkg/env"
)

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
	// SiteURL is used for links back to the storefront.
	SiteURL string
}

func SMTPConfigFromEnv() SMTPConfig {
	return SMTPConfig{
		Host:     env.GetEnv("SMTP_HOST", ""),
		Port:     env.GetEnv("SMTP_PORT", "587"),
		Username: env.GetEnv("SMTP_USERNAME", ""),
		Password: env.GetEnv("SMTP_PASSWORD", ""),
		Sender:   env.GetEnv("SMTP_SENDER", ""),
		SiteURL:  env.GetEnv("PUBLIC_SITE_URL", "http://localhost:8080"),
	}
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends transactional billing emails via SMTP.
type SMTPMailer struct {
	cfg  SMTPConfig
	send sendFunc
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Sender == "" {
		cfg.Sender = "no-reply@localhost"
		log.Warnf("[Mail] SMTP_SENDER not set, using default sender: %s", cfg.Sender)
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// Enabled reports whether an SMTP host is configured.
func (m *SMTPMailer) Enabled() bool {
	return m.cfg.Host != ""
}

func (m *SMTPMailer) SendPaymentSuccess(ctx context.Context, msg PaymentSuccessEmail) error {
	body, err := render(paymentSuccessTmpl, msg)
	if err != nil {
		return err
	}
	return m.SendMail(ctx, msg.To, "Your Waggin' Meals subscription payment was received", body)
}

func (m *SMTPMailer) SendPaymentFailed(ctx context.Context, msg PaymentFailedEmail) error {
	if msg.UpdatePaymentURL == "" {
		msg.UpdatePaymentURL = m.cfg.SiteURL + "/account/payment-methods"
	}
	body, err := render(paymentFailedTmpl, msg)
	if err != nil {
		return err
	}
	subject := "Action needed: your Waggin' Meals payment did not go through"
	if msg.IsFinalAttempt {
		subject = "Final notice: update your payment method to keep your subscription"
	}
	return m.SendMail(ctx, msg.To, subject, body)
}

// SendMail delivers an HTML message. It is a no-op when SMTP is not configured.
func (m *SMTPMailer) SendMail(ctx context.Context, to, subject, body string) error {
	if !m.Enabled() {
		log.Warnf("[Mail] SMTP_HOST not set, email %q to %s not sent", subject, to)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)
	raw := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", m.cfg.Sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	err := m.send(addr, auth, m.cfg.Sender, []string{to}, raw)
	if err != nil {
		log.Errorf("[Mail] SMTP send error: %v", err)
	} else {
		log.Infof("[Mail] Email sent to %s via %s", to, addr)
	}
	return err
}
