package crdt

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// ID identifies a single operation: replica id + per-replica sequence number.
// The zero ID refers to the document head.
type ID struct {
	Replica string
	Seq     uint64
}

func (id ID) IsZero() bool {
	return id.Replica == "" && id.Seq == 0
}

type opKind uint8

const (
	opInsert opKind = iota + 1
	opDelete
	opFormat
)

// op is a single replicated operation. Updates on the wire are batches of ops.
type op struct {
	kind    opKind
	id      ID
	lamport uint64
	origin  ID   // insert: left neighbour at insertion time
	target  ID   // delete: item being removed
	ch      rune // insert only
	targets []ID // format: items the attributes apply to
	attrs   map[string]any
}

type attrStamp struct {
	lamport uint64
	replica string
}

// item is one character in the replicated sequence. Deleted items stay as
// tombstones so later operations can still address them.
type item struct {
	id      ID
	origin  ID
	lamport uint64
	ch      rune
	deleted bool
	attrs   map[string]any
	stamps  map[string]attrStamp
}

// wins reports whether the incoming insert sorts before sibling c. Siblings
// sharing an origin are ordered newest first (lamport clock), with replica
// id then seq breaking ties, so every replica converges on one sequence.
func (o op) wins(c *item) bool {
	if o.lamport != c.lamport {
		return o.lamport > c.lamport
	}
	if o.id.Replica != c.id.Replica {
		return o.id.Replica > c.id.Replica
	}
	return o.id.Seq > c.id.Seq
}

// EditKind classifies the visible effect of an applied operation.
type EditKind int

const (
	EditInsert EditKind = iota
	EditDelete
	EditFormat
)

// Edit describes a change to the visible text, expressed in current
// character offsets. Consumers use these to remap comment anchors.
type Edit struct {
	Kind EditKind
	Pos  int
	Len  int
	Text string
}

// Run is a maximal stretch of visible text with uniform attributes.
type Run struct {
	Text       string
	Attributes map[string]any
}

// Store holds the mergeable text state for one document.
//
// Merging is commutative, associative and idempotent: every op carries a
// globally unique ID, applied IDs are tracked in a seen set, and concurrent
// inserts at the same origin are ordered by (lamport, replica, seq). Ops
// whose causal dependencies have not arrived yet are parked and retried.
type Store struct {
	mu      sync.Mutex
	replica string
	seq     uint64
	lamport uint64

	items   []*item
	log     []op
	seen    mapset.Set[ID]
	pending []op
}

// New returns an empty store whose local ops are attributed to replica.
func New(replica string) *Store {
	return &Store{
		replica: replica,
		seen:    mapset.NewThreadUnsafeSet[ID](),
	}
}

// Open restores a store from a binary snapshot produced by EncodeState.
// A nil or empty snapshot yields an empty store.
func Open(replica string, snapshot []byte) (*Store, error) {
	s := New(replica)
	if len(snapshot) == 0 {
		return s, nil
	}
	if _, err := s.ApplyUpdate(snapshot); err != nil {
		return nil, err
	}
	return s, nil
}

// Replica returns the id local edits are attributed to.
func (s *Store) Replica() string {
	return s.replica
}

// PendingCount reports how many received ops are parked waiting for their
// causal dependencies.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ApplyUpdate merges a remote update. The update is decoded in full before
// any op is integrated, so a malformed payload is rejected with
// ErrCorruptUpdate without touching existing state.
func (s *Store) ApplyUpdate(update []byte) ([]Edit, error) {
	ops, err := decodeUpdate(update)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integrateAll(ops), nil
}

// integrateAll applies every causally ready op, retrying parked ops after
// each success until a fixpoint is reached.
func (s *Store) integrateAll(ops []op) []Edit {
	var edits []Edit
	queue := make([]op, 0, len(ops)+len(s.pending))
	queue = append(queue, ops...)
	queue = append(queue, s.pending...)
	s.pending = s.pending[:0]

	for {
		progress := false
		next := queue[:0]
		for _, o := range queue {
			if s.seen.Contains(o.id) {
				progress = true
				continue
			}
			edit, ok := s.integrate(o)
			if !ok {
				next = append(next, o)
				continue
			}
			progress = true
			if edit != nil {
				edits = append(edits, *edit)
			}
		}
		queue = next
		if !progress || len(queue) == 0 {
			break
		}
	}
	s.pending = append(s.pending, queue...)
	return edits
}

// integrate applies one op. Returns ok=false when a dependency is missing.
func (s *Store) integrate(o op) (*Edit, bool) {
	switch o.kind {
	case opInsert:
		return s.integrateInsert(o)
	case opDelete:
		return s.integrateDelete(o)
	case opFormat:
		return s.integrateFormat(o)
	}
	return nil, true // unknown kinds are skipped, not fatal
}

func (s *Store) integrateInsert(o op) (*Edit, bool) {
	originIdx := -1
	if !o.origin.IsZero() {
		originIdx = s.indexOf(o.origin)
		if originIdx < 0 {
			return nil, false
		}
	}

	// RGA placement: walk right of the origin, skipping subtrees of earlier
	// siblings, until a sibling with a smaller ID (or the end of the
	// origin's region) is found.
	i := originIdx + 1
	for i < len(s.items) {
		c := s.items[i]
		cOrigin := -1
		if !c.origin.IsZero() {
			cOrigin = s.indexOf(c.origin)
		}
		if cOrigin < originIdx {
			break
		}
		if cOrigin == originIdx && o.wins(c) {
			break
		}
		i++
	}

	it := &item{
		id:      o.id,
		origin:  o.origin,
		lamport: o.lamport,
		ch:      o.ch,
		attrs:   cloneAttrs(o.attrs),
		stamps:  make(map[string]attrStamp, len(o.attrs)),
	}
	for k := range o.attrs {
		it.stamps[k] = attrStamp{lamport: o.lamport, replica: o.id.Replica}
	}

	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = it

	s.commit(o)
	return &Edit{Kind: EditInsert, Pos: s.visiblePos(i), Len: 1, Text: string(o.ch)}, true
}

func (s *Store) integrateDelete(o op) (*Edit, bool) {
	idx := s.indexOf(o.target)
	if idx < 0 {
		return nil, false
	}
	it := s.items[idx]
	s.commit(o)
	if it.deleted {
		return nil, true
	}
	pos := s.visiblePos(idx)
	it.deleted = true
	return &Edit{Kind: EditDelete, Pos: pos, Len: 1}, true
}

func (s *Store) integrateFormat(o op) (*Edit, bool) {
	idxs := make([]int, len(o.targets))
	for i, t := range o.targets {
		idx := s.indexOf(t)
		if idx < 0 {
			return nil, false
		}
		idxs[i] = idx
	}
	for _, idx := range idxs {
		s.items[idx].merge(o.attrs, attrStamp{lamport: o.lamport, replica: o.id.Replica})
	}
	s.commit(o)
	return &Edit{Kind: EditFormat}, true
}

// merge folds attrs into the item, last writer wins per key. Ties on the
// lamport clock break on replica id so all replicas agree.
func (it *item) merge(attrs map[string]any, st attrStamp) {
	if it.attrs == nil {
		it.attrs = make(map[string]any, len(attrs))
	}
	if it.stamps == nil {
		it.stamps = make(map[string]attrStamp, len(attrs))
	}
	for k, v := range attrs {
		cur, ok := it.stamps[k]
		if ok && (cur.lamport > st.lamport || (cur.lamport == st.lamport && cur.replica > st.replica)) {
			continue
		}
		it.stamps[k] = st
		if v == nil {
			delete(it.attrs, k)
		} else {
			it.attrs[k] = v
		}
	}
}

// commit records an applied op in the history log and the seen set.
func (s *Store) commit(o op) {
	s.seen.Add(o.id)
	s.log = append(s.log, o)
	if o.lamport > s.lamport {
		s.lamport = o.lamport
	}
}

// EncodeState exports the full history as one update. Applying it to an
// empty store reconstructs the document; applying it to a non-empty store
// merges, since the snapshot is just a (complete) update.
func (s *Store) EncodeState() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeUpdate(s.log)
}

// Insert applies a local insert at the visible position pos and returns the
// encoded update to broadcast.
func (s *Store) Insert(pos int, text string, attrs map[string]any) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos < 0 || pos > s.visibleLen() {
		return nil, fmt.Errorf("insert position %d out of range", pos)
	}

	origin := s.idAtVisible(pos - 1)
	ops := make([]op, 0, len(text))
	for _, ch := range text {
		o := s.nextOp(opInsert)
		o.origin = origin
		o.ch = ch
		o.attrs = cloneAttrs(attrs)
		s.integrate(o)
		origin = o.id
		ops = append(ops, o)
	}
	return encodeUpdate(ops), nil
}

// Delete removes n visible characters starting at pos.
func (s *Store) Delete(pos, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos < 0 || n < 0 || pos+n > s.visibleLen() {
		return nil, fmt.Errorf("delete range [%d,%d) out of range", pos, pos+n)
	}

	ops := make([]op, 0, n)
	for range n {
		// the visible item at pos shifts as each delete lands
		o := s.nextOp(opDelete)
		o.target = s.idAtVisible(pos)
		s.integrate(o)
		ops = append(ops, o)
	}
	return encodeUpdate(ops), nil
}

// Format applies attributes to n visible characters starting at pos.
func (s *Store) Format(pos, n int, attrs map[string]any) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos < 0 || n < 0 || pos+n > s.visibleLen() {
		return nil, fmt.Errorf("format range [%d,%d) out of range", pos, pos+n)
	}

	o := s.nextOp(opFormat)
	o.attrs = cloneAttrs(attrs)
	o.targets = make([]ID, 0, n)
	for i := range n {
		o.targets = append(o.targets, s.idAtVisible(pos+i))
	}
	s.integrate(o)
	return encodeUpdate([]op{o}), nil
}

func (s *Store) nextOp(kind opKind) op {
	s.seq++
	s.lamport++
	return op{
		kind:    kind,
		id:      ID{Replica: s.replica, Seq: s.seq},
		lamport: s.lamport,
	}
}

// Text returns the visible text.
func (s *Store) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]rune, 0, len(s.items))
	for _, it := range s.items {
		if !it.deleted {
			out = append(out, it.ch)
		}
	}
	return string(out)
}

// Len returns the visible length in characters.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibleLen()
}

// Runs projects the visible text as maximal uniform-format stretches.
func (s *Store) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []Run
	var cur []rune
	var curAttrs map[string]any
	flush := func() {
		if len(cur) > 0 {
			runs = append(runs, Run{Text: string(cur), Attributes: cloneAttrs(curAttrs)})
			cur = cur[:0]
		}
	}
	for _, it := range s.items {
		if it.deleted {
			continue
		}
		if len(cur) > 0 && !attrsEqual(curAttrs, it.attrs) {
			flush()
		}
		curAttrs = it.attrs
		cur = append(cur, it.ch)
	}
	flush()
	return runs
}

func (s *Store) visibleLen() int {
	n := 0
	for _, it := range s.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// visiblePos counts visible items strictly before absolute index idx.
func (s *Store) visiblePos(idx int) int {
	n := 0
	for i := range idx {
		if !s.items[i].deleted {
			n++
		}
	}
	return n
}

// idAtVisible returns the ID of the visible item at pos, or the zero ID for
// pos < 0 (document head).
func (s *Store) idAtVisible(pos int) ID {
	if pos < 0 {
		return ID{}
	}
	n := 0
	for _, it := range s.items {
		if it.deleted {
			continue
		}
		if n == pos {
			return it.id
		}
		n++
	}
	return ID{}
}

func (s *Store) indexOf(id ID) int {
	for i, it := range s.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func attrsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || fmt.Sprint(bv) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}
