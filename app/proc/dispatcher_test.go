package proc

import (
	"context"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/feed-notifier/app/bus"
	"github.com/umputun/feed-notifier/app/models"
	"github.com/umputun/feed-notifier/app/store"
)

func TestActor_ApplyNotificationSuppression(t *testing.T) {
	batch := []models.FeedItem{
		{EventID: 1, Author: "alice", Restricted: false},
		{EventID: 2, Author: "bob", Restricted: true},
	}

	tbl := []struct {
		name       string
		username   string
		restricted bool
		want       []int64
	}{
		{"restricted role sees nothing", "alice", true, []int64{}},
		{"staff sees restricted item", "alice", false, []int64{2}},
		{"case insensitive self match", "ALICE", false, []int64{2}},
		{"other user sees first item only", "dave", false, []int64{1}},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestActor(t, store.NewMemory(), bus.NewLocal(), &fakeFetcher{}, tt.username)
			a.Conf.Restricted = tt.restricted
			n := &recordingNotifier{}
			a.Notifier = n

			a.Apply(context.Background(), batch, 2)
			assert.Equal(t, tt.want, n.events())
			assert.Equal(t, int64(2), a.Cursor())
		})
	}
}

func TestActor_ApplyDedupes(t *testing.T) {
	st := store.NewMemory()
	a := newTestActor(t, st, bus.NewLocal(), &fakeFetcher{}, "alice")
	n := &recordingNotifier{}
	a.Notifier = n
	ctx := context.Background()

	items := []models.FeedItem{{EventID: 10, Author: "bob"}, {EventID: 11, Author: "carol"}}
	a.Apply(ctx, items, 11)
	a.Apply(ctx, items, 11) // redelivery
	assert.Equal(t, []int64{10}, n.events())

	a.Apply(ctx, append(items, models.FeedItem{EventID: 12, Author: "dave"}), 12)
	assert.Equal(t, []int64{10, 12}, n.events(), "only the new item surfaced")

	a.Apply(ctx, nil, 20)
	assert.Equal(t, int64(20), a.Cursor())
	v, err := st.Get(ctx, "events.cursor")
	require.NoError(t, err)
	assert.Equal(t, "20", string(v))
}

func TestActor_ApplyMonotonicCursor(t *testing.T) {
	st := store.NewMemory()
	a := newTestActor(t, st, bus.NewLocal(), &fakeFetcher{}, "alice")
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(42))

	prev := a.Cursor()
	for i := 0; i < 500; i++ {
		lastID := rnd.Int63n(1000)
		var items []models.FeedItem
		for j := 0; j < rnd.Intn(3); j++ {
			items = append(items, models.FeedItem{EventID: rnd.Int63n(1000), Author: "bob"})
		}
		a.Apply(ctx, items, lastID)
		require.GreaterOrEqual(t, a.Cursor(), prev)
		prev = a.Cursor()
	}

	v, err := st.Get(ctx, "events.cursor")
	require.NoError(t, err)
	assert.Equal(t, prev, mustParseInt(t, string(v)), "stored cursor follows local one")
}

func TestActor_ApplyKeepsHigherStoredCursor(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "events.cursor", []byte("50")))

	a := newTestActor(t, st, bus.NewLocal(), &fakeFetcher{}, "alice")
	a.Apply(ctx, nil, 30)
	assert.Equal(t, int64(30), a.Cursor())
	v, err := st.Get(ctx, "events.cursor")
	require.NoError(t, err)
	assert.Equal(t, "50", string(v), "stored cursor never decreases")
}

func TestActor_OnPrime(t *testing.T) {
	a := newTestActor(t, store.NewMemory(), bus.NewLocal(), &fakeFetcher{}, "alice")
	ctx := context.Background()

	a.OnMessage(ctx, models.PrimeMessage(100))
	assert.True(t, a.Primed())
	assert.Equal(t, int64(100), a.Cursor())

	a.OnMessage(ctx, models.PrimeMessage(150))
	assert.Equal(t, int64(100), a.Cursor(), "primed actor ignores later baselines")
}

func TestActor_OnMessageDispatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newTestActor(t, store.NewMemory(), bus.NewLocal(), &fakeFetcher{}, "alice")
	a.Metrics = NewMetrics(reg)
	n := &recordingNotifier{}
	a.Notifier = n
	ctx := context.Background()

	a.OnMessage(ctx, models.LeaderClaimedMessage("other"))
	a.OnMessage(ctx, models.LeaderReleasedMessage("other"))
	a.OnMessage(ctx, models.Message{Type: "unknown", LastID: 500})
	assert.Equal(t, int64(0), a.Cursor())
	assert.False(t, a.IsLeader(), "leader messages are informational")

	a.OnMessage(ctx, models.UpdatesMessage([]models.FeedItem{{EventID: 7, Author: "bob"}}, 7))
	assert.Equal(t, int64(7), a.Cursor())
	assert.Equal(t, []int64{7}, n.events())

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.messages.WithLabelValues("updates")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.messages.WithLabelValues("leader_claimed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.notifications))
	assert.Equal(t, 7.0, testutil.ToFloat64(a.Metrics.cursor))
}
