package crdt

import "encoding/json"

// DeltaOp is one entry of the linear document representation used for
// persistence and export. A full-document delta carries only inserts;
// Retain exists for incoming partial deltas from non-CRDT clients.
type DeltaOp struct {
	Insert     string         `json:"insert,omitempty"`
	Retain     int            `json:"retain,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Delta is an ordered list of operations, quill-compatible on the wire.
type Delta []DeltaOp

// ToDelta walks the current projection and emits one op per maximal run of
// uniform formatting. The concatenated inserts equal the store's plain text.
func ToDelta(s *Store) Delta {
	runs := s.Runs()
	d := make(Delta, 0, len(runs))
	for _, r := range runs {
		d = append(d, DeltaOp{Insert: r.Text, Attributes: r.Attributes})
	}
	return d
}

// PlainText concatenates all insert entries.
func (d Delta) PlainText() string {
	var out []byte
	for _, o := range d {
		out = append(out, o.Insert...)
	}
	return string(out)
}

// Length returns the delta's text length in characters.
func (d Delta) Length() int {
	n := 0
	for _, o := range d {
		n += len([]rune(o.Insert))
	}
	return n
}

// MarshalJSON keeps an empty delta as [] rather than null.
func (d Delta) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]DeltaOp(d))
}

// ParseDelta decodes a persisted delta document.
func ParseDelta(raw []byte) (Delta, error) {
	if len(raw) == 0 {
		return Delta{}, nil
	}
	var d Delta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// FromSnapshotOrDelta builds a store for a document. A binary snapshot is
// authoritative since only it carries merge identity; without one the store
// is seeded by replaying the persisted delta as local inserts (legacy path,
// formatting carried over best-effort).
func FromSnapshotOrDelta(replica string, snapshot []byte, deltaRaw []byte) (*Store, error) {
	if len(snapshot) > 0 {
		return Open(replica, snapshot)
	}

	s := New(replica)
	d, err := ParseDelta(deltaRaw)
	if err != nil {
		return nil, err
	}
	pos := 0
	for _, o := range d {
		if o.Insert == "" {
			continue
		}
		if _, err := s.Insert(pos, o.Insert, o.Attributes); err != nil {
			return nil, err
		}
		pos += len([]rune(o.Insert))
	}
	return s, nil
}
