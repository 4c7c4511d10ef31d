// Package decoder turns raw upstream byte fragments into complete native
// chunk objects. Decoders are not safe for concurrent use; each relay owns one.
package decoder

import (
	"fmt"

	"chat-gateway/internal/translator"
)

// Decoder consumes fragments in arrival order.
type Decoder interface {
	// Feed consumes one fragment and returns the objects it completed.
	Feed(fragment []byte) [][]byte
	// Flush is called once at upstream end-of-stream and returns any object
	// that was waiting for a delimiter.
	Flush() [][]byte
	// Done reports whether the stream's own end signal has been seen.
	Done() bool
}

// Strategy selects how array-streamed bodies are decoded.
type Strategy string

const (
	// StrategyBuffered reassembles objects split across fragments.
	StrategyBuffered Strategy = "buffered"
	// StrategyPerFragment parses every fragment on its own and skips
	// fragments that do not hold one complete object.
	StrategyPerFragment Strategy = "per_fragment"
)

// ParseStrategy validates a configured strategy name; empty selects buffered.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case "":
		return StrategyBuffered, nil
	case StrategyBuffered, StrategyPerFragment:
		return s, nil
	default:
		return "", fmt.Errorf("unknown array decoder strategy %q", name)
	}
}

// NewStream returns the streaming decoder for a wire family.
func NewStream(family translator.Family, strategy Strategy) Decoder {
	if family == translator.FamilySSE {
		return NewSSE()
	}
	if strategy == StrategyPerFragment {
		return NewFragment()
	}
	return NewArray(DefaultMaxPending)
}
