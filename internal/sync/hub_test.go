package sync

import (
	"context"
	defError "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/crdt"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/document"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/worker"
	"github.com/OpenPecha/pecha-tool-sync-editor/redis"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocs serves one document's state from memory and records snapshots.
type fakeDocs struct {
	document.Service

	docID       uuid.UUID
	state       []byte
	updateCount uint64
	snapshots   int
}

func (f *fakeDocs) LoadState(ctx context.Context, docID uuid.UUID) ([]byte, []byte, error) {
	return f.state, nil, nil
}

func (f *fakeDocs) SaveSnapshot(ctx context.Context, docID uuid.UUID, state []byte, delta crdt.Delta, label string) error {
	f.state = state
	f.snapshots++
	f.updateCount = 0
	return nil
}

func (f *fakeDocs) BumpUpdateCount(ctx context.Context, docID uuid.UUID) (uint64, error) {
	f.updateCount++
	return f.updateCount, nil
}

type recordingRemapper struct {
	edits []crdt.Edit
	hook  func() error // runs before recording, may veto the remap
}

func (r *recordingRemapper) RemapOnEdits(ctx context.Context, docID uuid.UUID, edits []crdt.Edit) error {
	if r.hook != nil {
		if err := r.hook(); err != nil {
			return err
		}
	}
	r.edits = append(r.edits, edits...)
	return nil
}

func newTestHub(t *testing.T, text string, threshold uint64) (*Hub, *fakeDocs, *recordingRemapper) {
	t.Helper()
	store := crdt.New("seed")
	if text != "" {
		_, err := store.Insert(0, text, nil)
		require.NoError(t, err)
	}
	docs := &fakeDocs{docID: uuid.New(), state: store.EncodeState()}
	remapper := &recordingRemapper{}
	pool := worker.NewWorkerPool(1)
	t.Cleanup(pool.Shutdown)

	hub := NewHub(docs, remapper, redis.NewRelay(nil, "test"), pool, "test-instance", threshold)
	return hub, docs, remapper
}

func testSession(hub *Hub, docID uuid.UUID, userID uint64) *Session {
	return newSession(hub, nil, docID, userID, true)
}

func recvFrame(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case frame := <-s.send:
		return frame
	default:
		t.Fatal("expected a frame, got none")
		return nil
	}
}

func TestHub_JoinSendsFullState(t *testing.T) {
	hub, docs, _ := newTestHub(t, "shared text", 100)
	ctx := context.Background()

	session := testSession(hub, docs.docID, 1)
	require.NoError(t, hub.Join(ctx, session))

	frame := recvFrame(t, session)
	store, err := crdt.Open("client", frame)
	require.NoError(t, err)
	assert.Equal(t, "shared text", store.Text())
	assert.Equal(t, 1, hub.Participants(docs.docID))
}

func TestHub_BroadcastFansOutToPeers(t *testing.T) {
	hub, docs, remapper := newTestHub(t, "shared ", 100)
	ctx := context.Background()

	alice := testSession(hub, docs.docID, 1)
	bob := testSession(hub, docs.docID, 2)
	require.NoError(t, hub.Join(ctx, alice))
	require.NoError(t, hub.Join(ctx, bob))

	// both clients replicate from the join frame
	aliceStore, err := crdt.Open("alice", recvFrame(t, alice))
	require.NoError(t, err)
	bobStore, err := crdt.Open("bob", recvFrame(t, bob))
	require.NoError(t, err)

	update, err := aliceStore.Insert(7, "state", nil)
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(ctx, alice, update))

	// bob gets the update, alice does not get her own echo
	_, err = bobStore.ApplyUpdate(recvFrame(t, bob))
	require.NoError(t, err)
	assert.Equal(t, "shared state", bobStore.Text())

	select {
	case <-alice.send:
		t.Fatal("sender received its own update")
	default:
	}

	// anchor remapping saw the applied edits before fan-out
	require.NotEmpty(t, remapper.edits)
	assert.Equal(t, crdt.EditInsert, remapper.edits[0].Kind)
}

func TestHub_AnchorsRemapBeforeFanOut(t *testing.T) {
	hub, docs, remapper := newTestHub(t, "shared ", 100)
	ctx := context.Background()

	alice := testSession(hub, docs.docID, 1)
	bob := testSession(hub, docs.docID, 2)
	require.NoError(t, hub.Join(ctx, alice))
	require.NoError(t, hub.Join(ctx, bob))

	aliceStore, err := crdt.Open("alice", recvFrame(t, alice))
	require.NoError(t, err)
	recvFrame(t, bob)

	// a reader that sees the new text must already see the new anchors,
	// so no peer may hold the frame while the remap runs
	framesAtRemap := -1
	remapper.hook = func() error {
		framesAtRemap = len(bob.send)
		return nil
	}

	update, err := aliceStore.Insert(7, "state", nil)
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(ctx, alice, update))

	assert.Equal(t, 0, framesAtRemap, "peer was handed the update before anchors moved")
	recvFrame(t, bob)
}

func TestHub_RemapFailureIsRetried(t *testing.T) {
	hub, docs, remapper := newTestHub(t, "shared ", 100)
	ctx := context.Background()

	alice := testSession(hub, docs.docID, 1)
	require.NoError(t, hub.Join(ctx, alice))
	aliceStore, err := crdt.Open("alice", recvFrame(t, alice))
	require.NoError(t, err)

	attempts := make(chan int, 8)
	var calls atomic.Int32
	remapper.hook = func() error {
		n := int(calls.Add(1))
		attempts <- n
		if n == 1 {
			return defError.New("comment store unavailable")
		}
		return nil
	}

	update, err := aliceStore.Insert(7, "state", nil)
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(ctx, alice, update))

	waitAttempt := func() int {
		select {
		case n := <-attempts:
			return n
		case <-time.After(2 * time.Second):
			t.Fatal("remap was not retried")
			return 0
		}
	}
	assert.Equal(t, 1, waitAttempt())
	assert.Equal(t, 2, waitAttempt())
}

func TestHub_SessionSyncedTracksDelivery(t *testing.T) {
	hub, docs, _ := newTestHub(t, "shared ", 100)
	ctx := context.Background()

	assert.Nil(t, hub.Sessions(docs.docID))

	alice := testSession(hub, docs.docID, 1)
	bob := testSession(hub, docs.docID, 2)
	require.NoError(t, hub.Join(ctx, alice))
	require.NoError(t, hub.Join(ctx, bob))

	// join frames are still queued
	for _, status := range hub.Sessions(docs.docID) {
		assert.False(t, status.Synced)
	}

	aliceStore, err := crdt.Open("alice", recvFrame(t, alice))
	require.NoError(t, err)
	recvFrame(t, bob)
	for _, status := range hub.Sessions(docs.docID) {
		assert.True(t, status.Synced)
	}

	// after a broadcast the sender is current, the peer still owes an ack
	update, err := aliceStore.Insert(7, "state", nil)
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(ctx, alice, update))

	byUser := map[uint64]bool{}
	for _, status := range hub.Sessions(docs.docID) {
		byUser[status.UserID] = status.Synced
	}
	assert.True(t, byUser[1])
	assert.False(t, byUser[2])

	recvFrame(t, bob)
	for _, status := range hub.Sessions(docs.docID) {
		assert.True(t, status.Synced)
	}
}

func TestHub_CorruptUpdateRejectedWhole(t *testing.T) {
	hub, docs, _ := newTestHub(t, "stable", 100)
	ctx := context.Background()

	session := testSession(hub, docs.docID, 1)
	require.NoError(t, hub.Join(ctx, session))
	recvFrame(t, session)

	err := hub.Broadcast(ctx, session, []byte{0xde, 0xad, 0xbe, 0xef})
	require.Error(t, err)

	hub.mu.Lock()
	ds := hub.docs[docs.docID]
	hub.mu.Unlock()
	assert.Equal(t, "stable", ds.store.Text())
	assert.Equal(t, uint64(0), ds.dirty)
}

func TestHub_SnapshotCurrentTracksFlushes(t *testing.T) {
	hub, docs, _ := newTestHub(t, "text", 100)
	ctx := context.Background()

	// no live state means nothing to flush
	assert.True(t, hub.SnapshotCurrent(docs.docID))

	session := testSession(hub, docs.docID, 1)
	require.NoError(t, hub.Join(ctx, session))
	clientStore, err := crdt.Open("client", recvFrame(t, session))
	require.NoError(t, err)

	update, err := clientStore.Insert(4, "!", nil)
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(ctx, session, update))
	assert.False(t, hub.SnapshotCurrent(docs.docID))

	require.NoError(t, hub.snapshot(ctx, docs.docID))
	assert.True(t, hub.SnapshotCurrent(docs.docID))
	assert.Equal(t, 1, docs.snapshots)

	// the persisted state carries the applied update
	store, err := crdt.Open("check", docs.state)
	require.NoError(t, err)
	assert.Equal(t, "text!", store.Text())
}

func TestHub_ApplyLocalBroadcastsFullState(t *testing.T) {
	hub, docs, _ := newTestHub(t, "Hello world", 100)
	ctx := context.Background()

	// no live state: caller must fall back to the persistence path
	handled, err := hub.ApplyLocal(ctx, docs.docID, func(store *crdt.Store) error { return nil })
	require.NoError(t, err)
	assert.False(t, handled)

	session := testSession(hub, docs.docID, 1)
	require.NoError(t, hub.Join(ctx, session))
	recvFrame(t, session)

	handled, err = hub.ApplyLocal(ctx, docs.docID, func(store *crdt.Store) error {
		if _, err := store.Delete(0, 5); err != nil {
			return err
		}
		_, err := store.Insert(0, "Hi", nil)
		return err
	})
	require.NoError(t, err)
	assert.True(t, handled)

	// connected editors converge from the full-state frame
	store, err := crdt.Open("client", recvFrame(t, session))
	require.NoError(t, err)
	assert.Equal(t, "Hi world", store.Text())

	// the mutation is flushed immediately
	assert.Equal(t, 1, docs.snapshots)
	assert.True(t, hub.SnapshotCurrent(docs.docID))
}

func TestHub_LiveStateSurvivesLastLeave(t *testing.T) {
	hub, docs, _ := newTestHub(t, "persistent", 100)
	ctx := context.Background()

	session := testSession(hub, docs.docID, 1)
	require.NoError(t, hub.Join(ctx, session))
	recvFrame(t, session)

	hub.Leave(session)
	assert.Equal(t, 0, hub.Participants(docs.docID))

	// a rejoin finds the same replica without a reload
	again := testSession(hub, docs.docID, 1)
	require.NoError(t, hub.Join(ctx, again))
	store, err := crdt.Open("client", recvFrame(t, again))
	require.NoError(t, err)
	assert.Equal(t, "persistent", store.Text())
}
