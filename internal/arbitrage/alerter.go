package arbitrage

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/platform/logger"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/webhook"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Alerter notifies an operator about a finished trade attempt.
type Alerter interface {
	Alert(ctx context.Context, entry domain.LedgerEntry)
}

const (
	colorProfit  = 0x00ff00
	colorLoss    = 0xffa500
	colorFailed  = 0x808080
	colorPartial = 0xff0000
)

type DiscordAlerter struct {
	client webhook.Client
	logger *zap.Logger
}

func NewDiscordAlerter(webhookUrl string, l *zap.Logger) (*DiscordAlerter, error) {
	client, err := webhook.NewWithURL(webhookUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord webhook client: %w", err)
	}
	return &DiscordAlerter{client: client, logger: logger.OrNop(l)}, nil
}

func (a *DiscordAlerter) Alert(ctx context.Context, entry domain.LedgerEntry) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := a.client.CreateEmbeds([]discord.Embed{buildEmbed(entry)}, rest.WithCtx(ctx)); err != nil {
		a.logger.Error("Failed to send message to discord", zap.String("entry_id", entry.ID), zap.Error(err))
	}
}

func (a *DiscordAlerter) Close(ctx context.Context) {
	a.client.Close(ctx)
}

func alertTitle(entry domain.LedgerEntry) (string, int) {
	switch {
	case entry.NeedsUnwind():
		return "PARTIAL FAILURE: manual unwind required", colorPartial
	case entry.Status == domain.Failed:
		return "Arbitrage trade failed", colorFailed
	case entry.Status == domain.Loss:
		return "Arbitrage trade settled at a loss", colorLoss
	default:
		return "Arbitrage trade settled", colorProfit
	}
}

func nullable(d decimal.NullDecimal) string {
	if !d.Valid {
		return "n/a"
	}
	return d.Decimal.String()
}

func buildEmbed(entry domain.LedgerEntry) discord.Embed {
	title, color := alertTitle(entry)
	b := discord.NewEmbedBuilder().
		SetTitle(title).
		SetColor(color).
		AddField("Pair", entry.Symbol, true).
		AddField("Buy On", entry.BuyVenue.String(), true).
		AddField("Sell On", entry.SellVenue.String(), true).
		AddField("\u200B", "\u200B", false).
		AddField("Quantity", entry.Quantity.String(), true).
		AddField("Buy Price", nullable(entry.BuyPrice), true).
		AddField("Sell Price", nullable(entry.SellPrice), true).
		AddField("\u200B", "\u200B", false).
		AddField("Buy Fee", nullable(entry.BuyFee), true).
		AddField("Sell Fee", nullable(entry.SellFee), true).
		AddField("Net Profit", nullable(entry.Profit), true)
	if entry.BuyOrderID != "" {
		b = b.AddField("Buy Order", entry.BuyOrderID, true)
	}
	if entry.SellOrderID != "" {
		b = b.AddField("Sell Order", entry.SellOrderID, true)
	}
	if entry.Error != "" {
		b = b.AddField("Error", entry.Error, false)
	}
	if entry.Note != "" {
		b = b.AddField("Note", entry.Note, false)
	}
	return b.Build()
}

// LogAlerter writes alerts to a logger when no webhook is configured.
type LogAlerter struct {
	Logger *zap.Logger
}

func (a LogAlerter) Alert(_ context.Context, entry domain.LedgerEntry) {
	title, _ := alertTitle(entry)
	l := logger.OrNop(a.Logger)
	fields := []zap.Field{
		zap.String("entry_id", entry.ID),
		zap.String("symbol", entry.Symbol),
		zap.String("status", entry.Status.String()),
		zap.String("failure", string(entry.Failure)),
	}
	if entry.NeedsUnwind() {
		l.Error(title, fields...)
		return
	}
	l.Info(title, fields...)
}
