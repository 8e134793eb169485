package proc

import (
	"context"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/umputun/feed-notifier/app/models"
	"github.com/umputun/feed-notifier/app/store"
)

// PrimeIfNeeded establishes the baseline cursor once per device. With the primed marker
// already stored it only loads the stored cursor. Otherwise it fetches the current
// high-water mark, stores cursor and marker and announces the baseline to siblings.
func (a *Actor) PrimeIfNeeded(ctx context.Context) error {
	primed, err := a.loadPrimed(ctx)
	if err != nil || primed {
		return err
	}

	resp, err := a.Fetcher.Fetch(ctx, nil)
	a.Metrics.fetch(string(fetchPrime), err)
	if err != nil {
		return errors.Wrap(err, "priming fetch failed")
	}
	return a.completePrime(ctx, resp.LastID)
}

// startPrime is the event loop version of PrimeIfNeeded, fetch goes off the loop
func (a *Actor) startPrime(ctx context.Context) {
	primed, err := a.loadPrimed(ctx)
	if err != nil {
		log.Printf("[WARN] actor %s, %v", a.id, err)
		return
	}
	if !primed {
		a.startFetch(fetchPrime, nil)
	}
}

// loadPrimed adopts the stored baseline. Corrupted marker or cursor reported as not primed,
// so the device primes again instead of polling from a bogus cursor.
func (a *Actor) loadPrimed(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.primed.Load() {
		return true, nil
	}

	data, err := a.State.Get(ctx, a.keys.Primed)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "can't read primed marker")
	}
	if _, err = time.Parse(time.RFC3339Nano, string(data)); err != nil {
		log.Printf("[WARN] actor %s found corrupted primed marker %q", a.id, string(data))
		return false, nil
	}

	cursor, found, err := a.storedCursor(ctx)
	if err != nil {
		return false, err
	}
	if !found {
		log.Printf("[WARN] actor %s found primed marker without cursor", a.id)
		return false, nil
	}

	a.raiseCursor(ctx, cursor)
	a.primed.Store(true)
	log.Printf("[DEBUG] actor %s loaded baseline, cursor %d", a.id, a.cursor.Load())
	return true, nil
}

func (a *Actor) completePrime(ctx context.Context, lastID int64) error {
	a.mu.Lock()
	if a.primed.Load() {
		a.mu.Unlock()
		return nil
	}
	a.raiseCursor(ctx, lastID)
	a.persistCursor(ctx) // baseline of an empty feed is zero, it still has to be stored
	marker := time.Now().UTC().Format(time.RFC3339Nano)
	if err := a.State.Put(ctx, a.keys.Primed, []byte(marker)); err != nil {
		a.mu.Unlock()
		return errors.Wrap(err, "can't store primed marker")
	}
	a.primed.Store(true)
	cursor := a.cursor.Load()
	a.mu.Unlock()

	log.Printf("[INFO] actor %s primed, cursor %d", a.id, cursor)
	a.publish(ctx, models.PrimeMessage(cursor))
	return nil
}

// raiseCursor moves local cursor up and persists it, a.mu locked
func (a *Actor) raiseCursor(ctx context.Context, v int64) {
	if v <= a.cursor.Load() {
		return
	}
	a.cursor.Store(v)
	a.Metrics.setCursor(v)
	a.persistCursor(ctx)
}

// persistCursor writes local cursor unless the stored one is already at or above it, a.mu locked
func (a *Actor) persistCursor(ctx context.Context) {
	v := a.cursor.Load()
	stored, found, err := a.storedCursor(ctx)
	if err != nil {
		log.Printf("[WARN] actor %s, %v", a.id, err)
		return
	}
	if found && v <= stored {
		return
	}
	if err = a.State.Put(ctx, a.keys.Cursor, []byte(strconv.FormatInt(v, 10))); err != nil {
		log.Printf("[WARN] actor %s can't store cursor %d, %v", a.id, v, err)
	}
}

// refreshCursor catches up with the stored cursor, used when the actor becomes the leader
func (a *Actor) refreshCursor(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.primed.Load() {
		return
	}
	stored, found, err := a.storedCursor(ctx)
	if err != nil || !found {
		return
	}
	a.raiseCursor(ctx, stored)
}

// storedCursor reads the shared cursor, unparseable value reported as missing
func (a *Actor) storedCursor(ctx context.Context) (int64, bool, error) {
	data, err := a.State.Get(ctx, a.keys.Cursor)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "can't read cursor")
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || v < 0 {
		log.Printf("[WARN] actor %s found corrupted cursor %q", a.id, string(data))
		return 0, false, nil
	}
	return v, true, nil
}
