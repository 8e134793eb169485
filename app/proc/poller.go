package proc

import (
	"context"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/feed-notifier/app/models"
)

type fetchKind string

const (
	fetchPrime fetchKind = "prime"
	fetchPoll  fetchKind = "poll"
)

type fetchResult struct {
	kind fetchKind
	resp models.FeedResponse
	err  error
}

// pollTick runs on every poll interval. An unprimed actor retries priming, a primed one
// fetches only while it is the foreground leader with no fetch in flight.
func (a *Actor) pollTick(ctx context.Context) {
	if a.busy {
		return
	}
	if !a.primed.Load() {
		a.startPrime(ctx)
		return
	}
	if !a.leader.Load() || !a.foreground.Load() {
		return
	}
	cursor := a.cursor.Load()
	a.startFetch(fetchPoll, &cursor)
}

// startFetch calls the feed off the event loop, the result comes back via a.results.
// The call is not tied to the actor's context so teardown doesn't cancel it.
func (a *Actor) startFetch(kind fetchKind, sinceID *int64) {
	a.busy = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.Conf.System.FetchTimeout)
		defer cancel()
		resp, err := a.Fetcher.Fetch(ctx, sinceID)
		a.Metrics.fetch(string(kind), err)
		select {
		case a.results <- fetchResult{kind: kind, resp: resp, err: err}:
		case <-a.done:
			log.Printf("[DEBUG] actor %s stopped, %s result dropped", a.id, kind)
		}
	}()
}

// complete handles fetch result in the event loop. Errors are not retried here,
// the next tick fetches again with the same cursor.
func (a *Actor) complete(ctx context.Context, res fetchResult) {
	a.busy = false
	if res.err != nil {
		log.Printf("[DEBUG] actor %s %s fetch failed, %v", a.id, res.kind, res.err)
		return
	}

	switch res.kind {
	case fetchPrime:
		if err := a.completePrime(ctx, res.resp.LastID); err != nil {
			log.Printf("[WARN] actor %s, %v", a.id, err)
		}
	case fetchPoll:
		if len(res.resp.Items) == 0 && res.resp.LastID <= a.cursor.Load() {
			return
		}
		log.Printf("[DEBUG] actor %s got %d items, last id %d", a.id, len(res.resp.Items), res.resp.LastID)
		a.publish(ctx, models.UpdatesMessage(res.resp.Items, res.resp.LastID))
		a.Apply(ctx, res.resp.Items, res.resp.LastID)
	}
}
