package comment

import "github.com/OpenPecha/pecha-tool-sync-editor/internal/crdt"

// Anchor is a half-open character range [Start, End) in the current text.
type Anchor struct {
	Start int
	End   int
}

func (a Anchor) Collapsed() bool {
	return a.Start >= a.End
}

// Remap shifts the anchor across one text edit. An insert before the range
// moves it, an insert inside grows it, a delete overlapping it shrinks it.
// A delete covering the whole range collapses the anchor to a zero-length
// marker at the deletion point; the thread survives.
func (a Anchor) Remap(e crdt.Edit) Anchor {
	switch e.Kind {
	case crdt.EditInsert:
		n := e.Len
		if e.Pos <= a.Start {
			return Anchor{Start: a.Start + n, End: a.End + n}
		}
		if e.Pos < a.End {
			return Anchor{Start: a.Start, End: a.End + n}
		}
		return a
	case crdt.EditDelete:
		n := e.Len
		out := a
		if e.Pos < out.Start {
			out.Start -= min(n, out.Start-e.Pos)
		}
		if e.Pos < out.End {
			out.End -= min(n, out.End-e.Pos)
		}
		return out
	default:
		return a
	}
}

// RemapAll folds a batch of edits over the anchor in order.
func (a Anchor) RemapAll(edits []crdt.Edit) Anchor {
	for _, e := range edits {
		a = a.Remap(e)
	}
	return a
}
