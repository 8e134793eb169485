package proc

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/umputun/feed-notifier/app/models"
	"github.com/umputun/feed-notifier/app/store"
)

// LeaseManager keeps the advisory leader lease of one feed in the shared state.
// The state has no compare-and-swap, so acquisition writes and reads back to confirm.
// Two actors racing on a free lease may both read back their own id if their
// read-write-read sequences don't interleave; the loser finds out on the next renewal.
type LeaseManager struct {
	State store.State
	Key   string
	Now   func() time.Time
}

// Read returns the current lease. Missing or unparseable record reported as no lease.
func (m *LeaseManager) Read(ctx context.Context) (models.Lease, bool, error) {
	data, err := m.State.Get(ctx, m.Key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Lease{}, false, nil
		}
		return models.Lease{}, false, errors.Wrap(err, "can't read lease")
	}

	var lease models.Lease
	if err = json.Unmarshal(data, &lease); err != nil || lease.OwnerID == "" {
		log.Printf("[WARN] corrupted lease record %q, treated as free", string(data))
		return models.Lease{}, false, nil
	}
	return lease, true, nil
}

// TryAcquire takes the lease if it is free or expired. A live lease owned by the
// caller is renewed. Returns true only if the stored owner matches after the write.
func (m *LeaseManager) TryAcquire(ctx context.Context, actorID string, ttl time.Duration) (bool, error) {
	lease, ok, err := m.Read(ctx)
	if err != nil {
		return false, err
	}
	if ok && lease.OwnerID != actorID && !lease.Expired(m.now()) {
		return false, nil
	}

	if err = m.write(ctx, actorID, ttl); err != nil {
		return false, err
	}

	lease, ok, err = m.Read(ctx)
	if err != nil {
		return false, err
	}
	return ok && lease.OwnerID == actorID, nil
}

// Renew extends the lease if the caller is still the recorded owner
func (m *LeaseManager) Renew(ctx context.Context, actorID string, ttl time.Duration) (bool, error) {
	lease, ok, err := m.Read(ctx)
	if err != nil {
		return false, err
	}
	if !ok || lease.OwnerID != actorID {
		return false, nil
	}
	if err = m.write(ctx, actorID, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Release deletes the lease if the caller is the recorded owner, no-op otherwise
func (m *LeaseManager) Release(ctx context.Context, actorID string) error {
	lease, ok, err := m.Read(ctx)
	if err != nil {
		return err
	}
	if !ok || lease.OwnerID != actorID {
		return nil
	}
	return errors.Wrap(m.State.Delete(ctx, m.Key), "can't release lease")
}

func (m *LeaseManager) write(ctx context.Context, actorID string, ttl time.Duration) error {
	data, err := json.Marshal(models.Lease{OwnerID: actorID, ExpiresAt: m.now().Add(ttl)})
	if err != nil {
		return errors.Wrap(err, "can't marshal lease")
	}
	return errors.Wrap(m.State.Put(ctx, m.Key, data), "can't write lease")
}

func (m *LeaseManager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}
