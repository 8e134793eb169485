// Package proc provides actors keeping a device's sessions in sync on a feed of new events.
// Every actor runs its own event loop; the only things shared between actors are the
// durable state (lease, cursor, primed marker) and the fanout bus.
package proc

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/umputun/feed-notifier/app/bus"
	"github.com/umputun/feed-notifier/app/models"
	"github.com/umputun/feed-notifier/app/store"
)

// expiryMargin delays the follower's wake-up past the observed lease expiry
const expiryMargin = 10 * time.Millisecond

// Fetcher calls the feed endpoint, nil sinceID asks for the high-water mark only
type Fetcher interface {
	Fetch(ctx context.Context, sinceID *int64) (models.FeedResponse, error)
}

// Params of the actor
type Params struct {
	Conf     Conf
	State    store.State
	Bus      bus.Bus
	Fetcher  Fetcher
	Notifier Notifier
	Metrics  *Metrics
}

// Actor is one independently running session. It competes for the lease, polls the
// feed while it is the leader and applies every fanout message it receives.
type Actor struct {
	Params

	id       string
	keys     store.Keys
	lease    *LeaseManager
	handlers map[models.MessageType]func(ctx context.Context, msg models.Message)

	mu         sync.Mutex // serializes cursor and primed updates
	cursor     atomic.Int64
	primed     atomic.Bool
	leader     atomic.Bool
	foreground atomic.Bool

	busy    bool // fetch in flight, event loop only
	running atomic.Bool
	inbox   chan models.Message
	results chan fetchResult
	done    chan struct{}
}

// NewActor makes actor with a new unique id
func NewActor(p Params) (*Actor, error) {
	p.Conf.SetDefaults()
	if err := p.Conf.Validate(); err != nil {
		return nil, err
	}
	if p.State == nil || p.Bus == nil || p.Fetcher == nil {
		return nil, errors.New("state, bus and fetcher are required")
	}
	if p.Notifier == nil {
		p.Notifier = LogNotifier{}
	}

	a := &Actor{
		Params:  p,
		id:      uuid.NewString(),
		keys:    store.FeedKeys(p.Conf.Feed),
		inbox:   make(chan models.Message, 64),
		results: make(chan fetchResult, 1),
		done:    make(chan struct{}),
	}
	a.lease = &LeaseManager{State: p.State, Key: a.keys.Lease}
	a.foreground.Store(true)
	a.handlers = map[models.MessageType]func(ctx context.Context, msg models.Message){
		models.MsgPrime:          a.onPrime,
		models.MsgUpdates:        a.onUpdates,
		models.MsgLeaderClaimed:  a.onLeaderChange,
		models.MsgLeaderReleased: a.onLeaderChange,
	}
	return a, nil
}

// Run subscribes to the fanout topic, primes and runs the event loop until ctx is done.
// On exit the lease is released if held, timers stopped and the subscription closed.
// A fetch in flight at exit completes in background and its result is dropped.
func (a *Actor) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("actor already started")
	}

	sub, err := a.Bus.Subscribe(a.Conf.Feed, a.receive)
	if err != nil {
		return errors.Wrapf(err, "actor %s can't subscribe", a.id)
	}
	log.Printf("[INFO] actor %s started, feed %s", a.id, a.Conf.Feed)
	defer a.teardown(sub)

	a.startPrime(ctx)

	hbTimer := time.NewTimer(splay(a.Conf.System.Heartbeat / 4))
	defer hbTimer.Stop()
	pollTicker := time.NewTicker(a.Conf.System.PollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hbTimer.C:
			hbTimer.Reset(a.heartbeat(ctx))
		case <-pollTicker.C:
			a.pollTick(ctx)
		case msg := <-a.inbox:
			a.OnMessage(ctx, msg)
		case res := <-a.results:
			a.complete(ctx, res)
		}
	}
}

// ID of the actor
func (a *Actor) ID() string { return a.id }

// IsLeader returns the local belief of leadership
func (a *Actor) IsLeader() bool { return a.leader.Load() }

// Cursor returns the last seen event id
func (a *Actor) Cursor() int64 { return a.cursor.Load() }

// Primed checks if the actor has a baseline cursor
func (a *Actor) Primed() bool { return a.primed.Load() }

// SetForeground sets visibility state, background actors skip polls
func (a *Actor) SetForeground(fg bool) { a.foreground.Store(fg) }

// heartbeat renews or campaigns for the lease and returns delay to the next heartbeat.
// A follower blocked by a live foreign lease wakes up right after its expiry.
func (a *Actor) heartbeat(ctx context.Context) time.Duration {
	interval, ttl := a.Conf.System.Heartbeat, a.Conf.System.LeaseTTL

	if a.leader.Load() {
		renewed, err := a.lease.Renew(ctx, a.id, ttl)
		if err != nil {
			log.Printf("[WARN] actor %s can't renew lease, %v", a.id, err)
		}
		if !renewed {
			a.setLeader(ctx, false)
		}
		return interval
	}

	acquired, err := a.lease.TryAcquire(ctx, a.id, ttl)
	if err != nil {
		log.Printf("[WARN] actor %s can't acquire lease, %v", a.id, err)
		return interval
	}
	if acquired {
		a.setLeader(ctx, true)
		return interval
	}

	lease, found, err := a.lease.Read(ctx)
	if err != nil || !found {
		return interval
	}
	if wait := time.Until(lease.ExpiresAt) + expiryMargin; wait > 0 && wait < interval {
		return wait
	}
	return interval
}

func (a *Actor) setLeader(ctx context.Context, leader bool) {
	if a.leader.Swap(leader) == leader {
		return
	}
	a.Metrics.leadership(leader)

	if !leader {
		log.Printf("[INFO] actor %s is a follower now", a.id)
		a.publish(ctx, models.LeaderReleasedMessage(a.id))
		return
	}

	log.Printf("[INFO] actor %s is the leader now", a.id)
	a.refreshCursor(ctx)
	a.publish(ctx, models.LeaderClaimedMessage(a.id))
}

// receive is the bus handler, called outside of the event loop
func (a *Actor) receive(data []byte) {
	msg, err := models.DecodeMessage(data)
	if err != nil {
		a.Metrics.message("invalid")
		log.Printf("[DEBUG] actor %s ignores message, %v", a.id, err)
		return
	}
	select {
	case a.inbox <- msg:
	case <-a.done:
	}
}

func (a *Actor) publish(ctx context.Context, msg models.Message) {
	data, err := msg.Encode()
	if err != nil {
		log.Printf("[WARN] actor %s, %v", a.id, err)
		return
	}
	if err = a.Bus.Publish(ctx, a.Conf.Feed, data); err != nil {
		log.Printf("[WARN] actor %s can't publish %s, %v", a.id, msg.Type, err)
	}
}

func (a *Actor) teardown(sub bus.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), a.Conf.System.FetchTimeout)
	defer cancel()

	if a.leader.Load() {
		if err := a.lease.Release(ctx, a.id); err != nil {
			log.Printf("[WARN] actor %s can't release lease, %v", a.id, err)
		}
		a.setLeader(ctx, false)
	}

	close(a.done)
	if err := sub.Unsubscribe(); err != nil {
		log.Printf("[WARN] actor %s can't unsubscribe, %v", a.id, err)
	}
	log.Printf("[INFO] actor %s stopped, cursor %d", a.id, a.cursor.Load())
}

// splay spreads out concurrent first campaigns
func splay(upTo time.Duration) time.Duration {
	if upTo <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(upTo))) // nolint
}
