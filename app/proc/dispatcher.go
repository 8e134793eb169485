package proc

import (
	"context"
	"strings"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/feed-notifier/app/models"
)

// OnMessage dispatches fanout message by its type, unknown types are ignored
func (a *Actor) OnMessage(ctx context.Context, msg models.Message) {
	a.Metrics.message(string(msg.Type))
	h, ok := a.handlers[msg.Type]
	if !ok {
		log.Printf("[DEBUG] actor %s ignores message type %q", a.id, msg.Type)
		return
	}
	h(ctx, msg)
}

// Apply raises the cursor to lastID and surfaces at most one notification for the batch.
// Items at or below the cursor seen before the call are already applied and skipped,
// this makes repeated and self-delivered messages harmless.
func (a *Actor) Apply(ctx context.Context, items []models.FeedItem, lastID int64) {
	a.mu.Lock()
	prev := a.cursor.Load()
	fresh := make([]models.FeedItem, 0, len(items))
	for _, item := range items {
		if item.EventID > prev {
			fresh = append(fresh, item)
		}
	}
	next := models.MaxEventID(fresh)
	if lastID > next {
		next = lastID
	}
	a.raiseCursor(ctx, next)
	a.mu.Unlock()

	item, ok := a.firstVisible(fresh)
	if !ok {
		return
	}
	a.Metrics.notified()
	if err := a.Notifier.Notify(ctx, a.id, item); err != nil {
		log.Printf("[WARN] actor %s can't notify about event %d, %v", a.id, item.EventID, err)
	}
}

// firstVisible finds the first item not authored by the user and not hidden from its role.
// Later qualifying items of the same batch are not surfaced.
func (a *Actor) firstVisible(items []models.FeedItem) (models.FeedItem, bool) {
	username := strings.ToLower(a.Conf.Username)
	for _, item := range items {
		if strings.ToLower(item.Author) == username {
			continue
		}
		if a.Conf.Restricted && item.Restricted {
			continue
		}
		return item, true
	}
	return models.FeedItem{}, false
}

func (a *Actor) onUpdates(ctx context.Context, msg models.Message) {
	a.Apply(ctx, msg.Items, msg.LastID)
}

// onPrime adopts a sibling's baseline if this actor has none yet
func (a *Actor) onPrime(ctx context.Context, msg models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.primed.Load() {
		return
	}
	a.raiseCursor(ctx, msg.LastID)
	a.primed.Store(true)
	log.Printf("[DEBUG] actor %s primed by sibling, cursor %d", a.id, a.cursor.Load())
}

func (a *Actor) onLeaderChange(_ context.Context, msg models.Message) {
	if msg.ActorID == a.id {
		return
	}
	log.Printf("[DEBUG] actor %s got %s from %s", a.id, msg.Type, msg.ActorID)
}
