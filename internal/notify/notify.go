// Package notify delivers redemption notifications to operators.
package notify

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

// RedemptionEvent describes a completed transaction.
type RedemptionEvent struct {
	ClaimCode  string
	DealID     int64
	DealTitle  string
	VendorID   int64
	UserID     int64
	BillAmount decimal.Decimal
	Savings    decimal.Decimal
	UsedAt     time.Time
}

type Notifier interface {
	NotifyRedemption(ctx context.Context, e RedemptionEvent) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) NotifyRedemption(context.Context, RedemptionEvent) error { return nil }

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts notifications to a single chat through a bot.
type Telegram struct {
	bot    sender
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) NotifyRedemption(ctx context.Context, e RedemptionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, FormatRedemption(e))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func FormatRedemption(e RedemptionEvent) string {
	return fmt.Sprintf(
		"Deal redeemed: %s (#%d)\nClaim code: %s\nVendor: %d\nCustomer: %d\nBill: %s\nSaved: %s\nAt: %s",
		e.DealTitle, e.DealID, e.ClaimCode, e.VendorID, e.UserID,
		e.BillAmount.StringFixed(2), e.Savings.StringFixed(2),
		e.UsedAt.UTC().Format(time.RFC3339),
	)
}
