package proc

import (
	"context"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/microcosm-cc/bluemonday"

	"github.com/umputun/feed-notifier/app/models"
)

// Notifier surfaces a visible notification for the item
type Notifier interface {
	Notify(ctx context.Context, actorID string, item models.FeedItem) error
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	L log.L
}

// Notify logs item summary
func (n LogNotifier) Notify(_ context.Context, actorID string, item models.FeedItem) error {
	l := n.L
	if l == nil {
		l = log.Default()
	}
	l.Logf("[INFO] [%s] new event %d by %s on %q: %s", actorID, item.EventID, item.Author, item.SubjectTitle, summary(item.Body, 120))
	return nil
}

// MultiNotifier sends to all notifiers, errors are logged and the last one returned
type MultiNotifier []Notifier

// Notify calls every notifier
func (m MultiNotifier) Notify(ctx context.Context, actorID string, item models.FeedItem) (err error) {
	for _, n := range m {
		if e := n.Notify(ctx, actorID, item); e != nil {
			log.Printf("[WARN] notifier %T failed for event %d, %v", n, item.EventID, e)
			err = e
		}
	}
	return err
}

// summary strips markup and cuts text to limit runes
func summary(body string, limit int) string {
	text := strings.Join(strings.Fields(bluemonday.StrictPolicy().Sanitize(body)), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
