package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	logx "smsgateway/pkg/logx"
)

type sentMsg struct {
	chat int64
	text string
	opts *tele.SendOptions
}

type fakeBot struct {
	msgs []sentMsg
	err  error
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	m := sentMsg{text: what.(string)}
	if c, ok := to.(*tele.Chat); ok {
		m.chat = c.ID
	}
	if len(opts) > 0 {
		m.opts, _ = opts[0].(*tele.SendOptions)
	}
	f.msgs = append(f.msgs, m)
	return &tele.Message{ID: len(f.msgs)}, nil
}

func TestNew_RequiresTokenAndChat(t *testing.T) {
	_, err := New(Config{ChatID: 1}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Token: "123:abc"}, logx.Nop())
	assert.Error(t, err)
}

func TestNotify_SendsToChatAndThread(t *testing.T) {
	bot := &fakeBot{}
	n := newNotifier(Config{ChatID: -100, ThreadID: 7}, bot, logx.Nop())

	require.NoError(t, n.Notify(context.Background(), "[WARN] modem disconnected"))
	require.Len(t, bot.msgs, 1)
	assert.Equal(t, int64(-100), bot.msgs[0].chat)
	assert.Equal(t, "[WARN] modem disconnected", bot.msgs[0].text)
	require.NotNil(t, bot.msgs[0].opts)
	assert.Equal(t, 7, bot.msgs[0].opts.ThreadID)
	assert.True(t, bot.msgs[0].opts.DisableWebPagePreview)

	require.NoError(t, n.Notify(context.Background(), "   "))
	assert.Len(t, bot.msgs, 1, "blank alerts are skipped")

	sent, failed := n.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Zero(t, failed)
}

func TestNotify_Errors(t *testing.T) {
	bot := &fakeBot{err: errors.New("429 too many requests")}
	n := newNotifier(Config{ChatID: 1}, bot, logx.Nop())
	assert.Error(t, n.Notify(context.Background(), "x"))
	_, failed := n.Stats()
	assert.Equal(t, uint64(1), failed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n = newNotifier(Config{ChatID: 1}, &fakeBot{}, logx.Nop())
	assert.ErrorIs(t, n.Notify(ctx, "x"), context.Canceled)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	assert.Equal(t, []string{strings.Repeat("a", 8), strings.Repeat("b", 8)}, splitText(long, 10))

	parts := splitText(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, parts)

	// Multi-byte runes are never cut in half.
	for _, p := range splitText(strings.Repeat("é", 15), 4) {
		assert.LessOrEqual(t, len([]rune(p)), 4)
	}
}
