package decoder

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// DefaultMaxPending bounds the bytes held for one incomplete array element.
const DefaultMaxPending = 8 << 20

// Array decodes a streamed JSON array of objects (`[{...},{...}]`) whose
// separators and object bodies may split at any byte offset. It tracks brace
// depth outside of string literals and emits each top-level object once its
// closing brace arrives.
type Array struct {
	buf        []byte
	pos        int
	start      int
	depth      int
	inString   bool
	escaped    bool
	closed     bool
	maxPending int
	// skipping is set while the rest of an oversized element is consumed
	// without buffering it.
	skipping bool
}

// NewArray constructs a buffering array decoder.
func NewArray(maxPending int) *Array {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Array{maxPending: maxPending}
}

func (d *Array) Feed(fragment []byte) [][]byte {
	if d.closed {
		return nil
	}
	d.buf = append(d.buf, fragment...)

	var out [][]byte
	for d.pos < len(d.buf) {
		c := d.buf[d.pos]
		d.pos++

		if d.depth == 0 {
			switch c {
			case '{':
				d.depth = 1
				d.start = d.pos - 1
			case ']':
				d.closed = true
				d.reset()
				return out
			}
			// '[', ',' and whitespace between elements are separators.
			continue
		}

		if d.inString {
			switch {
			case d.escaped:
				d.escaped = false
			case c == '\\':
				d.escaped = true
			case c == '"':
				d.inString = false
			}
			continue
		}

		switch c {
		case '"':
			d.inString = true
		case '{', '[':
			d.depth++
		case '}', ']':
			d.depth--
		}
		if d.depth > 0 {
			continue
		}

		if d.skipping {
			d.skipping = false
			d.compact()
			continue
		}

		obj := d.buf[d.start:d.pos]
		if json.Valid(obj) {
			out = append(out, bytes.Clone(obj))
		} else {
			log.Debug().Int("bytes", len(obj)).Msg("skipping malformed array element")
		}
		d.compact()
	}

	switch {
	case d.depth == 0:
		d.reset()
	case d.skipping:
		d.discard()
	case d.pos-d.start > d.maxPending:
		log.Warn().Int("bytes", d.pos-d.start).Msg("array element exceeds pending limit, skipping")
		d.skipping = true
		d.discard()
	}
	return out
}

func (d *Array) Flush() [][]byte {
	d.reset()
	return nil
}

func (d *Array) Done() bool {
	return d.closed
}

// compact drops the bytes of the object just emitted.
func (d *Array) compact() {
	d.buf = append(d.buf[:0], d.buf[d.pos:]...)
	d.pos = 0
	d.start = 0
}

// discard drops buffered bytes but keeps the scanner state, so an element
// being skipped is still tracked to its closing brace.
func (d *Array) discard() {
	d.buf = d.buf[:0]
	d.pos = 0
	d.start = 0
}

func (d *Array) reset() {
	d.discard()
	d.depth = 0
	d.inString = false
	d.escaped = false
	d.skipping = false
}

// Fragment parses each fragment independently: after trimming whitespace it
// strips a leading '[', a leading ',' and a trailing ']' and parses the rest
// as one object. Fragments that do not parse are skipped, so an object split
// across fragments is lost. A trailing ']' only closes the stream when what
// precedes it is empty or a complete object; otherwise it belongs to the
// partial object.
type Fragment struct {
	closed bool
}

// NewFragment constructs a per-fragment array decoder.
func NewFragment() *Fragment {
	return &Fragment{}
}

func (d *Fragment) Feed(fragment []byte) [][]byte {
	if d.closed {
		return nil
	}

	body := bytes.TrimSpace(fragment)
	body = bytes.TrimPrefix(body, []byte{'['})
	body = bytes.TrimSpace(body)
	body = bytes.TrimPrefix(body, []byte{','})
	body = bytes.TrimSpace(body)
	if rest, ok := bytes.CutSuffix(body, []byte{']'}); ok {
		rest = bytes.TrimSpace(rest)
		if len(rest) == 0 || isObject(rest) {
			body = rest
			d.closed = true
		}
	}

	if len(body) == 0 {
		return nil
	}
	if !isObject(body) {
		log.Debug().Int("bytes", len(body)).Msg("skipping incomplete array fragment")
		return nil
	}
	return [][]byte{bytes.Clone(body)}
}

func (d *Fragment) Flush() [][]byte {
	return nil
}

func (d *Fragment) Done() bool {
	return d.closed
}

func isObject(b []byte) bool {
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}
