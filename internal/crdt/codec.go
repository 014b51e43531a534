package crdt

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCorruptUpdate marks an update payload that could not be decoded. The
// update is rejected as a whole; store state is never partially merged.
var ErrCorruptUpdate = errors.New("corrupt update")

const (
	updateMagic   byte = 0xC5
	updateVersion byte = 1
)

// Wire layout: magic, version, uvarint op count, then per op:
// kind byte, id, uvarint lamport, kind-specific fields. IDs are a
// length-prefixed replica string plus a uvarint seq. Attribute maps travel
// as length-prefixed JSON.
func encodeUpdate(ops []op) []byte {
	buf := []byte{updateMagic, updateVersion}
	buf = binary.AppendUvarint(buf, uint64(len(ops)))
	for _, o := range ops {
		buf = append(buf, byte(o.kind))
		buf = appendID(buf, o.id)
		buf = binary.AppendUvarint(buf, o.lamport)
		switch o.kind {
		case opInsert:
			buf = appendID(buf, o.origin)
			buf = binary.AppendUvarint(buf, uint64(o.ch))
			buf = appendAttrs(buf, o.attrs)
		case opDelete:
			buf = appendID(buf, o.target)
		case opFormat:
			buf = binary.AppendUvarint(buf, uint64(len(o.targets)))
			for _, t := range o.targets {
				buf = appendID(buf, t)
			}
			buf = appendAttrs(buf, o.attrs)
		}
	}
	return buf
}

func decodeUpdate(b []byte) ([]op, error) {
	r := &reader{buf: b}
	magic, err := r.byte()
	if err != nil || magic != updateMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptUpdate)
	}
	ver, err := r.byte()
	if err != nil || ver != updateVersion {
		return nil, fmt.Errorf("%w: unsupported version", ErrCorruptUpdate)
	}

	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(b)) {
		// every op takes at least one byte; reject absurd counts early
		return nil, fmt.Errorf("%w: op count %d exceeds payload", ErrCorruptUpdate, count)
	}

	ops := make([]op, 0, count)
	for range count {
		kb, err := r.byte()
		if err != nil {
			return nil, err
		}
		o := op{kind: opKind(kb)}
		if o.kind < opInsert || o.kind > opFormat {
			return nil, fmt.Errorf("%w: unknown op kind %d", ErrCorruptUpdate, kb)
		}
		if o.id, err = r.id(); err != nil {
			return nil, err
		}
		if o.id.IsZero() {
			return nil, fmt.Errorf("%w: op without id", ErrCorruptUpdate)
		}
		if o.lamport, err = r.uvarint(); err != nil {
			return nil, err
		}
		switch o.kind {
		case opInsert:
			if o.origin, err = r.id(); err != nil {
				return nil, err
			}
			ch, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			o.ch = rune(ch)
			if o.attrs, err = r.attrs(); err != nil {
				return nil, err
			}
		case opDelete:
			if o.target, err = r.id(); err != nil {
				return nil, err
			}
			if o.target.IsZero() {
				return nil, fmt.Errorf("%w: delete without target", ErrCorruptUpdate)
			}
		case opFormat:
			n, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			if n > uint64(len(b)) {
				return nil, fmt.Errorf("%w: target count %d exceeds payload", ErrCorruptUpdate, n)
			}
			o.targets = make([]ID, 0, n)
			for range n {
				t, err := r.id()
				if err != nil {
					return nil, err
				}
				o.targets = append(o.targets, t)
			}
			if o.attrs, err = r.attrs(); err != nil {
				return nil, err
			}
		}
		ops = append(ops, o)
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrCorruptUpdate)
	}
	return ops, nil
}

func appendID(buf []byte, id ID) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(id.Replica)))
	buf = append(buf, id.Replica...)
	return binary.AppendUvarint(buf, id.Seq)
}

func appendAttrs(buf []byte, attrs map[string]any) []byte {
	if len(attrs) == 0 {
		return binary.AppendUvarint(buf, 0)
	}
	j, err := json.Marshal(attrs)
	if err != nil {
		return binary.AppendUvarint(buf, 0)
	}
	buf = binary.AppendUvarint(buf, uint64(len(j)))
	return append(buf, j...)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) done() bool {
	return r.off == len(r.buf)
}

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, fmt.Errorf("%w: truncated", ErrCorruptUpdate)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint", ErrCorruptUpdate)
	}
	r.off += n
	return v, nil
}

func (r *reader) str() (string, error) {
	n, err := r.uvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(len(r.buf)-r.off) {
		return "", fmt.Errorf("%w: string length %d out of bounds", ErrCorruptUpdate, n)
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *reader) id() (ID, error) {
	replica, err := r.str()
	if err != nil {
		return ID{}, err
	}
	seq, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	return ID{Replica: replica, Seq: seq}, nil
}

func (r *reader) attrs() (map[string]any, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if n > uint64(len(r.buf)-r.off) {
		return nil, fmt.Errorf("%w: attrs length %d out of bounds", ErrCorruptUpdate, n)
	}
	var attrs map[string]any
	if err := json.Unmarshal(r.buf[r.off:r.off+int(n)], &attrs); err != nil {
		return nil, fmt.Errorf("%w: bad attrs json", ErrCorruptUpdate)
	}
	r.off += int(n)
	return attrs, nil
}
