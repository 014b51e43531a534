package sync

import (
	"context"
	defError "errors"
	"log"
	stdsync "sync"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/crdt"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/document"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/errors"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/worker"
	"github.com/OpenPecha/pecha-tool-sync-editor/redis"

	"github.com/google/uuid"
)

// AnchorRemapper shifts comment anchors after edits land on a document.
type AnchorRemapper interface {
	RemapOnEdits(ctx context.Context, docID uuid.UUID, edits []crdt.Edit) error
}

// docState is the live server replica of one document plus the sessions
// attached to it. It is created lazily on the first join and survives the
// last leave, so a reconnecting editor finds the same state.
type docState struct {
	mu       stdsync.Mutex
	store    *crdt.Store
	sessions map[uuid.UUID]*Session
	dirty    uint64 // updates applied since the last persisted snapshot

	relayCancel context.CancelFunc
}

// Hub owns every live document replica and routes updates between
// websocket sessions, the redis relay and the snapshot writer.
type Hub struct {
	mu   stdsync.Mutex
	docs map[uuid.UUID]*docState

	documents document.Service
	anchors   AnchorRemapper
	relay     *redis.Relay
	pool      *worker.WorkerPool

	instanceID        string
	snapshotThreshold uint64
}

func NewHub(documents document.Service, anchors AnchorRemapper, relay *redis.Relay, pool *worker.WorkerPool, instanceID string, snapshotThreshold uint64) *Hub {
	if snapshotThreshold == 0 {
		snapshotThreshold = 50
	}
	return &Hub{
		docs:              map[uuid.UUID]*docState{},
		documents:         documents,
		anchors:           anchors,
		relay:             relay,
		pool:              pool,
		instanceID:        instanceID,
		snapshotThreshold: snapshotThreshold,
	}
}

func (h *Hub) stateFor(ctx context.Context, docID uuid.UUID) (*docState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ds, ok := h.docs[docID]; ok {
		return ds, nil
	}

	state, deltaRaw, err := h.documents.LoadState(ctx, docID)
	if err != nil {
		return nil, err
	}
	store, err := crdt.FromSnapshotOrDelta(h.instanceID, state, deltaRaw)
	if err != nil {
		return nil, errors.UnprocessableEntity("Corrupt document state", err)
	}

	ds := &docState{
		store:    store,
		sessions: map[uuid.UUID]*Session{},
	}

	// detached context: the relay subscription outlives the joining request
	relayCtx, cancel := context.WithCancel(context.Background())
	ds.relayCancel = cancel
	h.relay.Subscribe(relayCtx, docID.String(), func(update []byte) {
		h.applyRemote(docID, update)
	})

	h.docs[docID] = ds
	return ds, nil
}

// Join attaches a session to the document's live state and hands it the
// full state as its first frame, so the client converges from any starting
// point.
func (h *Hub) Join(ctx context.Context, session *Session) error {
	ds, err := h.stateFor(ctx, session.docID)
	if err != nil {
		return err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.sessions[session.ID] = session
	session.enqueue(ds.store.EncodeState())
	return nil
}

func (h *Hub) Leave(session *Session) {
	h.mu.Lock()
	ds := h.docs[session.docID]
	h.mu.Unlock()
	if ds == nil {
		return
	}

	ds.mu.Lock()
	delete(ds.sessions, session.ID)
	flush := len(ds.sessions) == 0 && ds.dirty > 0
	ds.mu.Unlock()

	if flush {
		h.scheduleSnapshot(session.docID)
	}
}

// Broadcast integrates an update from one session and distributes it to
// every other participant. Anchors are remapped before any fan-out so a
// client can never observe text ahead of its comment positions.
func (h *Hub) Broadcast(ctx context.Context, session *Session, update []byte) error {
	h.mu.Lock()
	ds := h.docs[session.docID]
	h.mu.Unlock()
	if ds == nil {
		return errors.NotFound("No live session for document", nil)
	}

	ds.mu.Lock()
	edits, err := ds.store.ApplyUpdate(update)
	if err != nil {
		ds.mu.Unlock()
		if defError.Is(err, crdt.ErrCorruptUpdate) {
			return errors.UnprocessableEntity("Corrupt update rejected", err)
		}
		return err
	}
	ds.dirty++
	h.remapAnchors(ctx, session.docID, edits)
	for id, peer := range ds.sessions {
		if id == session.ID {
			continue
		}
		peer.enqueue(update)
	}
	ds.mu.Unlock()

	if err := h.relay.Publish(ctx, session.docID.String(), update); err != nil {
		log.Printf("[ERROR] doc %s: relay publish failed: %v", session.docID, err)
	}

	count, err := h.documents.BumpUpdateCount(ctx, session.docID)
	if err != nil {
		log.Printf("[ERROR] doc %s: update count bump failed: %v", session.docID, err)
		return nil
	}
	if count >= h.snapshotThreshold {
		h.scheduleSnapshot(session.docID)
	}
	return nil
}

// applyRemote integrates an update that arrived over the relay from
// another instance and fans it out to every local session.
func (h *Hub) applyRemote(docID uuid.UUID, update []byte) {
	h.mu.Lock()
	ds := h.docs[docID]
	h.mu.Unlock()
	if ds == nil {
		return
	}

	ds.mu.Lock()
	edits, err := ds.store.ApplyUpdate(update)
	if err != nil {
		ds.mu.Unlock()
		log.Printf("[ERROR] doc %s: relayed update rejected: %v", docID, err)
		return
	}
	ds.dirty++
	h.remapAnchors(context.Background(), docID, edits)
	for _, peer := range ds.sessions {
		peer.enqueue(update)
	}
	ds.mu.Unlock()
}

// remapAnchors shifts comment anchors across the applied edits before the
// caller fans the update out. A failed remap is retried in the background
// rather than abandoned.
func (h *Hub) remapAnchors(ctx context.Context, docID uuid.UUID, edits []crdt.Edit) {
	if len(edits) == 0 {
		return
	}
	if err := h.anchors.RemapOnEdits(ctx, docID, edits); err != nil {
		log.Printf("[ERROR] doc %s: anchor remap failed, retrying: %v", docID, err)
		h.pool.SubmitWithRetry(func(ctx context.Context) error {
			return h.anchors.RemapOnEdits(ctx, docID, edits)
		}, 3)
	}
}

// ApplyLocal runs a server-side mutation against the live replica, if one
// exists, and distributes the result as a full-state update; merging is
// idempotent so receivers that already hold most of the history converge
// cheaply. Reports false when the document has no live state.
func (h *Hub) ApplyLocal(ctx context.Context, docID uuid.UUID, mutate func(store *crdt.Store) error) (bool, error) {
	h.mu.Lock()
	ds := h.docs[docID]
	h.mu.Unlock()
	if ds == nil {
		return false, nil
	}

	ds.mu.Lock()
	if err := mutate(ds.store); err != nil {
		ds.mu.Unlock()
		return true, err
	}
	update := ds.store.EncodeState()
	delta := crdt.ToDelta(ds.store)
	for _, peer := range ds.sessions {
		peer.enqueue(update)
	}
	ds.dirty = 0
	ds.mu.Unlock()

	if err := h.relay.Publish(ctx, docID.String(), update); err != nil {
		log.Printf("[ERROR] doc %s: relay publish failed: %v", docID, err)
	}
	return true, h.documents.SaveSnapshot(ctx, docID, update, delta, "autosave")
}

// SnapshotCurrent reports whether the persisted snapshot is current for
// the document. Documents without live state are trivially current.
func (h *Hub) SnapshotCurrent(docID uuid.UUID) bool {
	h.mu.Lock()
	ds := h.docs[docID]
	h.mu.Unlock()
	if ds == nil {
		return true
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.dirty == 0
}

// SessionStatus is the delivery state of one participant: synced means
// every update the server knows about has been handed to its connection
// and no received op is still parked waiting for a causal dependency.
type SessionStatus struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    uint64    `json:"user_id"`
	Synced    bool      `json:"synced"`
}

// Sessions reports the delivery state of every participant on the document.
func (h *Hub) Sessions(docID uuid.UUID) []SessionStatus {
	h.mu.Lock()
	ds := h.docs[docID]
	h.mu.Unlock()
	if ds == nil {
		return nil
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	caughtUp := ds.store.PendingCount() == 0
	statuses := make([]SessionStatus, 0, len(ds.sessions))
	for _, s := range ds.sessions {
		statuses = append(statuses, SessionStatus{
			SessionID: s.ID,
			UserID:    s.UserID,
			Synced:    caughtUp && len(s.send) == 0,
		})
	}
	return statuses
}

// Participants returns how many sessions are attached to the document.
func (h *Hub) Participants(docID uuid.UUID) int {
	h.mu.Lock()
	ds := h.docs[docID]
	h.mu.Unlock()
	if ds == nil {
		return 0
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.sessions)
}

func (h *Hub) scheduleSnapshot(docID uuid.UUID) {
	h.pool.Submit(func(ctx context.Context) error {
		return h.snapshot(ctx, docID)
	})
}

func (h *Hub) snapshot(ctx context.Context, docID uuid.UUID) error {
	h.mu.Lock()
	ds := h.docs[docID]
	h.mu.Unlock()
	if ds == nil {
		return nil
	}

	ds.mu.Lock()
	state := ds.store.EncodeState()
	delta := crdt.ToDelta(ds.store)
	ds.dirty = 0
	ds.mu.Unlock()

	return h.documents.SaveSnapshot(ctx, docID, state, delta, "autosave")
}

// Shutdown flushes every dirty document and stops the relay subscriptions.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	docs := make(map[uuid.UUID]*docState, len(h.docs))
	for id, ds := range h.docs {
		docs[id] = ds
	}
	h.mu.Unlock()

	for id, ds := range docs {
		ds.mu.Lock()
		dirty := ds.dirty > 0
		cancel := ds.relayCancel
		ds.mu.Unlock()

		if dirty {
			if err := h.snapshot(ctx, id); err != nil {
				log.Printf("[ERROR] doc %s: final snapshot failed: %v", id, err)
			}
		}
		if cancel != nil {
			cancel()
		}
	}
}
