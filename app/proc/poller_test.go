package proc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/feed-notifier/app/bus"
	"github.com/umputun/feed-notifier/app/models"
	"github.com/umputun/feed-notifier/app/store"
)

func TestActor_PollTickSingleFlight(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(sinceID *int64) (models.FeedResponse, error) {
		<-release
		return models.FeedResponse{Items: []models.FeedItem{{EventID: 6, Author: "bob"}}, LastID: 6}, nil
	}}
	a := primedLeader(t, f, 5)
	ctx := context.Background()

	a.pollTick(ctx)
	a.pollTick(ctx)
	a.pollTick(ctx)
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, f.count(), "no new fetch while one is in flight")

	close(release)
	res := <-a.results
	assert.Equal(t, fetchPoll, res.kind)
	a.complete(ctx, res)
	assert.False(t, a.busy)
	assert.Equal(t, int64(6), a.Cursor())

	a.pollTick(ctx)
	require.Eventually(t, func() bool { return f.count() == 2 }, time.Second, time.Millisecond)
	f.mu.Lock()
	assert.Equal(t, int64(5), *f.calls[0])
	assert.Equal(t, int64(6), *f.calls[1], "next poll uses new cursor")
	f.mu.Unlock()
}

func TestActor_PollTickSkips(t *testing.T) {
	ctx := context.Background()

	f := &fakeFetcher{}
	follower := newTestActor(t, store.NewMemory(), bus.NewLocal(), f, "alice")
	follower.primed.Store(true)
	follower.pollTick(ctx)

	background := primedLeader(t, f, 0)
	background.SetForeground(false)
	background.pollTick(ctx)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, f.count())
	assert.False(t, follower.busy)
	assert.False(t, background.busy)
}

func TestActor_PollTickPrimesFirst(t *testing.T) {
	f := &fakeFetcher{fn: func(sinceID *int64) (models.FeedResponse, error) {
		return models.FeedResponse{LastID: 77}, nil
	}}
	a := newTestActor(t, store.NewMemory(), bus.NewLocal(), f, "alice")
	a.leader.Store(true)
	ctx := context.Background()

	a.pollTick(ctx)
	res := <-a.results
	assert.Equal(t, fetchPrime, res.kind)
	a.complete(ctx, res)
	assert.True(t, a.Primed())
	assert.Equal(t, int64(77), a.Cursor())
	f.mu.Lock()
	assert.Nil(t, f.calls[0])
	f.mu.Unlock()
}

func TestActor_PollErrorSwallowed(t *testing.T) {
	fail := true
	f := &fakeFetcher{fn: func(sinceID *int64) (models.FeedResponse, error) {
		if fail {
			return models.FeedResponse{}, errors.New("timeout")
		}
		return models.FeedResponse{Items: []models.FeedItem{{EventID: 4, Author: "bob"}}, LastID: 4}, nil
	}}
	a := primedLeader(t, f, 3)
	n := &recordingNotifier{}
	a.Notifier = n
	ctx := context.Background()

	a.pollTick(ctx)
	a.complete(ctx, <-a.results)
	assert.Equal(t, int64(3), a.Cursor())
	assert.Empty(t, n.events())

	fail = false
	a.pollTick(ctx)
	a.complete(ctx, <-a.results)
	assert.Equal(t, int64(4), a.Cursor())
	assert.Equal(t, []int64{4}, n.events())

	f.mu.Lock()
	assert.Equal(t, int64(3), *f.calls[0])
	assert.Equal(t, int64(3), *f.calls[1], "retry with the same cursor")
	f.mu.Unlock()
}

func TestActor_PollPublishes(t *testing.T) {
	b := bus.NewLocal()
	defer b.Close()
	got := make(chan models.Message, 10)
	sub, err := b.Subscribe("events", func(data []byte) {
		m, e := models.DecodeMessage(data)
		assert.NoError(t, e)
		got <- m
	})
	require.NoError(t, err)
	defer sub.Unsubscribe() // nolint

	// nothing new, cursor moved without items, new item
	responses := []models.FeedResponse{
		{Items: []models.FeedItem{}, LastID: 10},
		{Items: []models.FeedItem{}, LastID: 12},
		{Items: []models.FeedItem{{EventID: 13, Author: "bob"}}, LastID: 13},
	}
	var i int
	f := &fakeFetcher{fn: func(*int64) (models.FeedResponse, error) {
		r := responses[i]
		i++
		return r, nil
	}}
	a := newTestActor(t, store.NewMemory(), b, f, "alice")
	a.primed.Store(true)
	a.cursor.Store(10)
	a.leader.Store(true)
	ctx := context.Background()

	for range responses {
		a.pollTick(ctx)
		a.complete(ctx, <-a.results)
	}

	assert.Equal(t, models.UpdatesMessage(nil, 12), <-got)
	assert.Equal(t, models.UpdatesMessage([]models.FeedItem{{EventID: 13, Author: "bob"}}, 13), <-got)
	select {
	case m := <-got:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestActor_ResultDroppedAfterTeardown(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(*int64) (models.FeedResponse, error) {
		<-release
		return models.FeedResponse{LastID: 50}, nil
	}}
	st, b := store.NewMemory(), bus.NewLocal()
	defer b.Close()
	seedPrimed(t, st, 1)
	a := newTestActor(t, st, b, f, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := runActor(ctx, a)
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), a.Cursor(), "late result not applied")
}

func primedLeader(t *testing.T, f Fetcher, cursor int64) *Actor {
	t.Helper()
	a := newTestActor(t, store.NewMemory(), bus.NewLocal(), f, "alice")
	a.primed.Store(true)
	a.cursor.Store(cursor)
	a.leader.Store(true)
	return a
}
