package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *goredis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRelay_CrossInstanceDelivery(t *testing.T) {
	client := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewRelay(client, "instance-a")
	b := NewRelay(client, "instance-b")

	received := make(chan []byte, 1)
	b.Subscribe(ctx, "doc-1", func(update []byte) {
		received <- update
	})

	// give the subscriber a moment to attach
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.Publish(ctx, "doc-1", []byte("update-payload")))

	select {
	case got := <-received:
		assert.Equal(t, []byte("update-payload"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("update never crossed instances")
	}
}

func TestRelay_DropsOwnEcho(t *testing.T) {
	client := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewRelay(client, "instance-a")

	received := make(chan []byte, 1)
	relay.Subscribe(ctx, "doc-1", func(update []byte) {
		received <- update
	})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, relay.Publish(ctx, "doc-1", []byte("self")))

	select {
	case <-received:
		t.Fatal("instance received its own publish")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelay_ChannelsAreScopedPerDocument(t *testing.T) {
	client := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewRelay(client, "instance-a")
	b := NewRelay(client, "instance-b")

	received := make(chan []byte, 1)
	b.Subscribe(ctx, "doc-1", func(update []byte) {
		received <- update
	})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.Publish(ctx, "doc-2", []byte("other doc")))

	select {
	case <-received:
		t.Fatal("update leaked across document channels")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelay_NilClientIsNoop(t *testing.T) {
	relay := NewRelay(nil, "instance-a")
	assert.NoError(t, relay.Publish(context.Background(), "doc-1", []byte("x")))
	relay.Subscribe(context.Background(), "doc-1", func([]byte) {
		t.Fatal("subscription fired without a client")
	})
}

func TestCache_VersionedInvalidation(t *testing.T) {
	client := testClient(t)
	cache := NewCache(client)
	ctx := context.Background()

	assert.Equal(t, int64(0), cache.GetVersion(ctx, "user:1:docs:version"))

	cache.Set(ctx, "docs:u:1:v:0", map[string]string{"a": "b"}, time.Minute)

	var out map[string]string
	found, err := cache.Get(ctx, "docs:u:1:v:0", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b", out["a"])

	// bumping the version retires every key built on the old one
	cache.IncrementVersion(ctx, "user:1:docs:version")
	assert.Equal(t, int64(1), cache.GetVersion(ctx, "user:1:docs:version"))

	found, err = cache.Get(ctx, "docs:u:1:v:1", &out)
	require.NoError(t, err)
	assert.False(t, found)
}
