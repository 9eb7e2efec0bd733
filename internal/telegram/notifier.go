package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/spot-ledger/internal/avgprice"
	"github.com/camuig/spot-ledger/internal/config"
	"github.com/camuig/spot-ledger/internal/logger"
	"github.com/camuig/spot-ledger/internal/syncer"
)

const maxListedAssets = 10

type Notifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
	logger  *logger.Logger
}

func NewNotifier(cfg *config.Config, log *logger.Logger) *Notifier {
	if !cfg.Telegram.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	_ = tgbotapi.SetLogger(log)

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)

	return &Notifier{
		bot:     bot,
		chatID:  cfg.Telegram.ChatID,
		enabled: true,
		logger:  log,
	}
}

func (n *Notifier) NotifySync(report *syncer.Report, scope avgprice.Scope, entries []avgprice.Entry) {
	n.send(FormatSync(report, scope, entries))
}

func (n *Notifier) NotifyError(context string, err error) {
	msg := fmt.Sprintf("⚠️ *Error* [%s]\n%s", context, escape(err.Error()))
	n.send(msg)
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(message)
}

// FormatSync renders a run summary as Telegram Markdown.
func FormatSync(report *syncer.Report, scope avgprice.Scope, entries []avgprice.Entry) string {
	var b strings.Builder
	b.WriteString("📒 *Trade sync*\n")
	if report != nil {
		fmt.Fprintf(&b, "Added: %d (duplicates %d)\n", report.RecordsAdded, report.Duplicates)
		fmt.Fprintf(&b, "Active pairs: %d\n", report.PairsWithActivity)
		if report.Excluded > 0 {
			fmt.Fprintf(&b, "Excluded: %d\n", report.Excluded)
		}
		if len(report.Failures) > 0 {
			fmt.Fprintf(&b, "⚠️ Failed windows: %d\n", len(report.Failures))
		}
	}

	fmt.Fprintf(&b, "\n*Average prices* (%s)\n", scope)
	if len(entries) == 0 {
		b.WriteString("no buy trades\n")
	}
	for i, e := range entries {
		if i == maxListedAssets {
			fmt.Fprintf(&b, "…and %d more\n", len(entries)-maxListedAssets)
			break
		}
		fmt.Fprintf(&b, "%s: %s @ %s\n", escape(e.Asset), e.NetBuyAmount.StringFixed(6), e.AvgPrice.StringFixed(6))
	}
	return b.String()
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escape(s string) string {
	return markdownEscaper.Replace(s)
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}
