package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Delta round-trip: the concatenated inserts always equal the store's plain
// text, across arbitrary edit sequences.
func TestToDelta_RoundTrip(t *testing.T) {
	s := New("a")

	type step struct {
		insert string
		pos    int
		delLen int
	}
	steps := []step{
		{insert: "Hello world", pos: 0},
		{insert: "big ", pos: 6},
		{pos: 0, delLen: 5},
		{insert: "Goodbye", pos: 0},
		{pos: 8, delLen: 3},
	}
	for _, st := range steps {
		if st.insert != "" {
			_, err := s.Insert(st.pos, st.insert, nil)
			require.NoError(t, err)
		} else {
			_, err := s.Delete(st.pos, st.delLen)
			require.NoError(t, err)
		}
		assert.Equal(t, s.Text(), ToDelta(s).PlainText())
	}
}

func TestToDelta_FormattingRuns(t *testing.T) {
	s := New("a")
	_, err := s.Insert(0, "Hello world", nil)
	require.NoError(t, err)
	_, err = s.Format(0, 5, map[string]any{"bold": true})
	require.NoError(t, err)

	d := ToDelta(s)
	require.Len(t, d, 2)
	assert.Equal(t, "Hello", d[0].Insert)
	assert.Equal(t, map[string]any{"bold": true}, d[0].Attributes)
	assert.Equal(t, " world", d[1].Insert)
	assert.Nil(t, d[1].Attributes)
	assert.Equal(t, "Hello world", d.PlainText())
}

func TestDelta_JSONShape(t *testing.T) {
	d := Delta{
		{Insert: "Hi", Attributes: map[string]any{"bold": true}},
		{Insert: " there"},
	}
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"insert":"Hi","attributes":{"bold":true}},{"insert":" there"}]`, string(raw))

	parsed, err := ParseDelta(raw)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", parsed.PlainText())
	assert.Equal(t, 8, parsed.Length())

	empty, err := json.Marshal(Delta(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}

// A binary snapshot is authoritative over the persisted delta.
func TestFromSnapshotOrDelta_SnapshotWins(t *testing.T) {
	src := New("src")
	_, err := src.Insert(0, "from snapshot", nil)
	require.NoError(t, err)

	deltaRaw, err := json.Marshal(Delta{{Insert: "from delta"}})
	require.NoError(t, err)

	s, err := FromSnapshotOrDelta("r1", src.EncodeState(), deltaRaw)
	require.NoError(t, err)
	assert.Equal(t, "from snapshot", s.Text())
}

// Without a snapshot the store is seeded by replaying the delta inserts.
func TestFromSnapshotOrDelta_DeltaFallback(t *testing.T) {
	deltaRaw, err := json.Marshal(Delta{
		{Insert: "Title", Attributes: map[string]any{"header": float64(1)}},
		{Insert: "\nbody"},
	})
	require.NoError(t, err)

	s, err := FromSnapshotOrDelta("r1", nil, deltaRaw)
	require.NoError(t, err)
	assert.Equal(t, "Title\nbody", s.Text())

	d := ToDelta(s)
	require.Len(t, d, 2)
	assert.Equal(t, "Title", d[0].Insert)
	assert.Equal(t, map[string]any{"header": float64(1)}, d[0].Attributes)
}

func TestFromSnapshotOrDelta_BadInputs(t *testing.T) {
	_, err := FromSnapshotOrDelta("r1", []byte{0xde, 0xad}, nil)
	assert.ErrorIs(t, err, ErrCorruptUpdate)

	_, err = FromSnapshotOrDelta("r1", nil, []byte("{not a delta"))
	assert.Error(t, err)

	s, err := FromSnapshotOrDelta("r1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "", s.Text())
}
