// Package notify отправляет письма-подтверждения об оплате и активации.
package notify

import (
	"context"
	"fmt"
	"html"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// Config параметры SMTP
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Confirmation данные письма
type Confirmation struct {
	To        string
	Kind      domain.EventKind
	PlanType  domain.PlanType
	PeriodEnd *time.Time
}

// Mailer отправляет подтверждения
type Mailer interface {
	SendConfirmation(ctx context.Context, c Confirmation) error
}

type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPMailer Mailer поверх gomail
type SMTPMailer struct {
	sender sender
	from   string
	log    *logger.Logger
}

// NewMailer возвращает SMTP-отправителя или заглушку, если host не задан
func NewMailer(cfg Config, log *logger.Logger) Mailer {
	if cfg.Host == "" {
		log.Infow("SMTP host is not configured, confirmation emails are disabled")
		return nopMailer{log: log}
	}
	return &SMTPMailer{
		sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
		log:    log.Named("notify"),
	}
}

// SendConfirmation отправляет письмо. ctx проверяется только до отправки: gomail не принимает контекст.
func (m *SMTPMailer) SendConfirmation(ctx context.Context, c Confirmation) error {
	if c.To == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.sender.DialAndSend(m.buildMessage(c)); err != nil {
		m.log.Errorw("Failed to send confirmation email", "kind", c.Kind, "error", err)
		return fmt.Errorf("notify: failed to send email: %w", err)
	}
	m.log.Infow("Confirmation email sent", "kind", c.Kind, "plan", c.PlanType)
	return nil
}

func (m *SMTPMailer) buildMessage(c Confirmation) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", c.To)
	msg.SetHeader("Subject", subjectFor(c.Kind))
	msg.SetBody("text/html", bodyFor(c))
	return msg
}

func subjectFor(kind domain.EventKind) string {
	if kind == domain.EventPaymentCompleted {
		return "Payment received - ProposalKraft"
	}
	return "Your ProposalKraft subscription is active"
}

func bodyFor(c Confirmation) string {
	plan := string(c.PlanType)
	if plan == "" {
		plan = "your"
	}
	until := ""
	if c.PeriodEnd != nil {
		until = fmt.Sprintf(" until %s", c.PeriodEnd.UTC().Format("January 2, 2006"))
	}
	return fmt.Sprintf("<p>Thank you! The %s plan is active%s.</p>", html.EscapeString(plan), until)
}

type nopMailer struct {
	log *logger.Logger
}

func (n nopMailer) SendConfirmation(ctx context.Context, c Confirmation) error {
	n.log.Debugw("Confirmation email skipped", "kind", c.Kind)
	return nil
}
