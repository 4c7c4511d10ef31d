package decoder

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// SSE decodes `data: {...}\n\n` events. Lines split across fragments are
// buffered until their newline arrives.
type SSE struct {
	line []byte
	data [][]byte
	done bool
}

// NewSSE constructs an SSE decoder.
func NewSSE() *SSE {
	return &SSE{}
}

func (d *SSE) Feed(fragment []byte) [][]byte {
	if d.done {
		return nil
	}

	var out [][]byte
	for len(fragment) > 0 {
		idx := bytes.IndexByte(fragment, '\n')
		if idx < 0 {
			d.line = append(d.line, fragment...)
			break
		}
		d.line = append(d.line, fragment[:idx]...)
		fragment = fragment[idx+1:]

		if obj := d.processLine(); obj != nil {
			out = append(out, obj)
		}
		if d.done {
			break
		}
	}
	return out
}

func (d *SSE) Flush() [][]byte {
	if d.done {
		return nil
	}
	var out [][]byte
	if len(d.line) > 0 {
		if obj := d.processLine(); obj != nil {
			out = append(out, obj)
		}
	}
	if obj := d.dispatch(); obj != nil {
		out = append(out, obj)
	}
	return out
}

func (d *SSE) Done() bool {
	return d.done
}

// processLine handles the buffered line; a blank line dispatches the event.
func (d *SSE) processLine() []byte {
	line := bytes.TrimSuffix(d.line, []byte{'\r'})
	defer func() { d.line = d.line[:0] }()

	if len(line) == 0 {
		return d.dispatch()
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		// event:, id:, retry: and comment lines carry nothing we relay.
		return nil
	}

	payload := bytes.TrimPrefix(line, dataPrefix)
	payload = bytes.TrimPrefix(payload, []byte{' '})
	d.data = append(d.data, bytes.Clone(payload))
	return nil
}

func (d *SSE) dispatch() []byte {
	if len(d.data) == 0 {
		return nil
	}
	payload := bytes.TrimSpace(bytes.Join(d.data, []byte{'\n'}))
	d.data = d.data[:0]

	if bytes.Equal(payload, doneMarker) {
		d.done = true
		return nil
	}
	if len(payload) == 0 || !json.Valid(payload) {
		log.Debug().Int("bytes", len(payload)).Msg("skipping malformed sse payload")
		return nil
	}
	return payload
}
