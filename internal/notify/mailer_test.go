package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

type fakeSender struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m...)
	return nil
}

func TestNewMailer_DisabledWithoutHost(t *testing.T) {
	m := NewMailer(Config{}, logger.NewNop())

	_, ok := m.(nopMailer)
	assert.True(t, ok)
	assert.NoError(t, m.SendConfirmation(context.Background(), Confirmation{To: "a@b.c"}))
}

func TestSMTPMailer_SendConfirmation(t *testing.T) {
	fs := &fakeSender{}
	m := &SMTPMailer{sender: fs, from: "billing@proposalkraft.test", log: logger.NewNop()}
	end := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	err := m.SendConfirmation(context.Background(), Confirmation{
		To: "user@example.com", Kind: domain.EventPaymentCompleted, PlanType: domain.PlanAgency, PeriodEnd: &end,
	})
	require.NoError(t, err)
	require.Len(t, fs.sent, 1)

	msg := fs.sent[0]
	assert.Equal(t, []string{"user@example.com"}, msg.GetHeader("To"))
	assert.Equal(t, []string{"Payment received - ProposalKraft"}, msg.GetHeader("Subject"))
	assert.Contains(t, bodyFor(Confirmation{PlanType: domain.PlanAgency, PeriodEnd: &end}), "until March 1, 2025")
}

func TestSMTPMailer_SkipsEmptyRecipientAndWrapsErrors(t *testing.T) {
	fs := &fakeSender{err: errors.New("535 auth failed")}
	m := &SMTPMailer{sender: fs, log: logger.NewNop()}

	assert.NoError(t, m.SendConfirmation(context.Background(), Confirmation{}))

	err := m.SendConfirmation(context.Background(), Confirmation{To: "x@y.z", Kind: domain.EventActivated})
	assert.ErrorContains(t, err, "failed to send email")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.SendConfirmation(ctx, Confirmation{To: "x@y.z"}), context.Canceled)
}
