package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisSubscriber_UnreachableServer(t *testing.T) {
	sub := NewRedisSubscriber(unreachableClient(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := sub.Subscribe(ctx, DefaultChannel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), DefaultChannel)
}

func TestPublisher_RejectsEmptyBatch(t *testing.T) {
	p := NewPublisher(unreachableClient(t), "")
	assert.Equal(t, DefaultChannel, p.channel)

	_, err := p.Publish(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func newMiniredisListener(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Store, *Listener) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStore(nil)
	require.NoError(t, err)
	l := newTestListener(t, NewRedisSubscriber(client), store)
	return mr, client, store, l
}

func waitForState(t *testing.T, l *Listener, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return l.State() == want }, 3*time.Second, 5*time.Millisecond)
}

func TestRedisListener_AppliesAndStopsOnCancel(t *testing.T) {
	_, client, store, l := newMiniredisListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { assert.NoError(t, l.Run(ctx)) }()
	waitForState(t, l, StateReading)

	receivers, err := NewPublisher(client, "").Publish(ctx, []Notification{{TokenID: "abc"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), receivers)
	assert.Eventually(t, func() bool { return store.IsTokenRevoked("abc") }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after cancellation")
	}
	assert.Equal(t, StateShutdown, l.State())

	// the subscription is gone once the listener has stopped
	assert.Eventually(t, func() bool {
		n, err := client.Publish(context.Background(), DefaultChannel, `[{"tokenId":"late"}]`).Result()
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisListener_ReconnectsAfterServerRestart(t *testing.T) {
	mr, client, store, l := newMiniredisListener(t)
	startListener(t, l)
	waitForState(t, l, StateReading)

	mr.Close()
	require.Eventually(t, func() bool { return l.State() != StateReading }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, mr.Restart())

	require.Eventually(t, func() bool {
		return l.Metrics().GetSnapshot()["connects"] >= 2 && l.State() == StateReading
	}, 5*time.Second, 10*time.Millisecond)

	pub := NewPublisher(client, "")
	assert.Eventually(t, func() bool {
		_, _ = pub.Publish(context.Background(), []Notification{{TokenID: "after-restart"}})
		return store.IsTokenRevoked("after-restart")
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRedisSubscription_CloseIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sub, err := NewRedisSubscriber(client).Subscribe(context.Background(), DefaultChannel)
	require.NoError(t, err)

	assert.NoError(t, sub.Close(context.Background()))
	assert.NoError(t, sub.Close(context.Background()))
}
