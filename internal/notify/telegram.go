package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	logx "schd/pkg/logx"
)

// telegramMaxText is counted in characters, like the Bot API limit.
const telegramMaxText = 4000

// TelegramConfig configures the Telegram notifier.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL  string
	Timeout time.Duration
}

// Telegram sends one message per failure to a chat (optionally a forum thread).
type Telegram struct {
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram notifier: token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram notifier: chat_id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram notifier")
	}
	return &Telegram{cfg: cfg, bot: b, log: log}, nil
}

func (t *Telegram) Notify(_ context.Context, failure error) error {
	text := fmt.Sprintf("%s\n\n%v", defaultSubject, failure)
	text = truncateRunes(text, telegramMaxText)
	opt := &tele.SendOptions{
		ThreadID:              t.cfg.ThreadID,
		DisableWebPagePreview: true,
	}
	if _, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, text, opt); err != nil {
		return notificationFailed(TypeTelegram, err)
	}
	t.log.Debug("error notification sent", logx.Int64("chat_id", t.cfg.ChatID))
	return nil
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max-3]) + "..."
}
