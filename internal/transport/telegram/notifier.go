// Package telegram delivers operator alerts to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "smsgateway/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Timeout bounds one Bot API call. Zero means 10s.
	Timeout time.Duration
}

// api is the subset of *tele.Bot the notifier needs.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Notifier implements logx.Notifier on top of the Bot API.
type Notifier struct {
	cfg Config
	bot api
	log logx.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New builds an offline bot client: no getMe round trip happens until the
// first alert is sent.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newNotifier(cfg, b, log), nil
}

func newNotifier(cfg Config, bot api, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{cfg: cfg, bot: bot, log: log.With(logx.String("comp", "telegram"))}
}

// Notify sends text, split into chunks Telegram accepts.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	chat := &tele.Chat{ID: n.cfg.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := n.bot.Send(chat, chunk, &tele.SendOptions{
			ThreadID:              n.cfg.ThreadID,
			DisableWebPagePreview: true,
		})
		if err != nil {
			n.failed.Add(1)
			// Never log at warn or above here: the line would be routed back
			// into this notifier.
			n.log.Debug("alert delivery failed", logx.Err(err))
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	n.sent.Add(1)
	return nil
}

// Stats returns delivered and failed alert counts.
func (n *Notifier) Stats() (sent, failed uint64) {
	return n.sent.Load(), n.failed.Load()
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that leave chunks at least a third of the limit long.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
