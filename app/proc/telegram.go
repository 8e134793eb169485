package proc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/umputun/feed-notifier/app/models"
)

// TelegramNotifier sends notifications to telegram channel. It is shared by all actors
// of the process and sends every event once.
type TelegramNotifier struct {
	Bot       *tb.Bot
	ChannelID string

	mu       sync.Mutex
	lastSent int64
	muted    bool
}

// NewTelegramNotifier init telegram client
func NewTelegramNotifier(token, apiURL, channelID string, timeout time.Duration) (*TelegramNotifier, error) {
	if timeout == 0 {
		timeout = time.Second * 60
	}

	if token == "" {
		return nil, errors.New("empty telegram token")
	}
	if channelID == "" {
		return nil, errors.New("empty telegram channel")
	}

	bot, err := tb.NewBot(tb.Settings{
		URL:    apiURL,
		Token:  token,
		Poller: &tb.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't make telegram bot")
	}

	return &TelegramNotifier{Bot: bot, ChannelID: channelID}, nil
}

// Notify sends item to the channel, events at or below the last sent one are skipped
func (t *TelegramNotifier) Notify(_ context.Context, actorID string, item models.FeedItem) error {
	if !t.claim(item.EventID) {
		log.Printf("[DEBUG] telegram skips event %d from %s, already sent or muted", item.EventID, actorID)
		return nil
	}

	_, err := t.Bot.Send(recipient{chatID: t.ChannelID}, messageHTML(item), tb.ModeHTML, tb.NoPreview)
	return errors.Wrapf(err, "can't send event %d to telegram %s", item.EventID, t.ChannelID)
}

func (t *TelegramNotifier) claim(eventID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.muted || eventID <= t.lastSent {
		return false
	}
	t.lastSent = eventID
	return true
}

func (t *TelegramNotifier) setMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

// https://core.telegram.org/bots/api#html-style
func tagLinkOnlySupport(htmlText string) string {
	p := bluemonday.NewPolicy()
	p.AllowAttrs("href").OnElements("a")
	return html.UnescapeString(p.Sanitize(htmlText))
}

// messageHTML generates HTML message from provided feed item
func messageHTML(item models.FeedItem) string {
	// apparently bluemonday doesn't remove escaped HTML tags
	body := strings.TrimSpace(tagLinkOnlySupport(html.UnescapeString(item.Body)))

	header := fmt.Sprintf("<b>%s</b>", html.EscapeString(item.Author))
	if title := strings.TrimSpace(item.SubjectTitle); title != "" {
		header += " on " + html.EscapeString(title)
		if item.SubjectState != "" {
			header += fmt.Sprintf(" [%s]", html.EscapeString(item.SubjectState))
		}
	}
	if item.Restricted {
		header += " (staff)"
	}

	return header + "\n\n" + body
}

type recipient struct {
	chatID string
}

func (r recipient) Recipient() string {
	if !strings.HasPrefix(r.chatID, "@") && !strings.HasPrefix(r.chatID, "-") {
		return "@" + r.chatID
	}

	return r.chatID
}

const (
	commandHelp  = "/help"
	commandStop  = "/stop"
	commandStart = "/start"

	msgStart = `Notifications resumed.
Use commands:
/stop - for stop send updates
`

	msgHelp = `Use commands:
/start - for resume updates
/stop - for stop send updates
`
)

// Start registers bot commands and runs the bot poller, blocking until Stop
func (t *TelegramNotifier) Start() {
	menu := &tb.ReplyMarkup{ResizeReplyKeyboard: true}
	menu.Reply(
		menu.Row(menu.Text(commandHelp)),
		menu.Row(menu.Text(commandStart)),
		menu.Row(menu.Text(commandStop)),
	)

	reply := func(m *tb.Message, text string) {
		if _, err := t.Bot.Send(m.Sender, text, menu); err != nil {
			log.Printf("[WARN] telegram reply to %d failed, %v", m.Chat.ID, err)
		}
	}

	// Command: /start
	t.Bot.Handle(commandStart, func(m *tb.Message) {
		if !m.Private() {
			return
		}
		t.setMuted(false)
		reply(m, msgStart)
		logCommand(commandStart, m.Chat.ID, m.Payload)
	})

	// Command: /help
	t.Bot.Handle(commandHelp, func(m *tb.Message) {
		if !m.Private() {
			return
		}
		reply(m, msgHelp)
		logCommand(commandHelp, m.Chat.ID, m.Payload)
	})

	// Command: /stop
	t.Bot.Handle(commandStop, func(m *tb.Message) {
		if !m.Private() {
			return
		}
		t.setMuted(true)
		reply(m, "Notifications stopped")
		logCommand(commandStop, m.Chat.ID, m.Payload)
	})

	t.Bot.Handle(tb.OnText, func(m *tb.Message) {
		log.Printf("[DEBUG] telegram receive unknown text: \n%s", m.Text)
	})

	log.Print("[INFO] telegram bot started")
	t.Bot.Start()
}

// Stop the bot poller
func (t *TelegramNotifier) Stop() {
	t.Bot.Stop()
}

func logCommand(command string, chatID int64, payload string) {
	log.Printf("[DEBUG] telegram receive command: '%s' in chat: '%d'\n%s", command, chatID, payload)
}
