package translator

import (
	"strings"

	"chat-gateway/internal/models"
)

// Family identifies the upstream streaming wire format.
type Family string

const (
	// FamilySSE streams `data: {...}` events terminated by `data: [DONE]`.
	FamilySSE Family = "sse"
	// FamilyArray streams one JSON array whose elements arrive incrementally.
	FamilyArray Family = "array"
)

// NativeRequest is a provider-specific JSON request body.
type NativeRequest []byte

// Codec converts between the unified model and one provider's wire schema.
// Implementations hold no per-call state and perform no I/O.
type Codec interface {
	Family() Family
	ToNative(req models.UnifiedChatRequest, target models.ProviderTarget) (NativeRequest, error)
	FromNativeRequest(native NativeRequest) (models.UnifiedChatRequest, error)
	// FromNativeChunk reports ok=false for objects that carry no text and no
	// finish reason.
	FromNativeChunk(obj []byte) (models.NormalizedChunk, bool)
	FromNativeResponse(body []byte) (*models.UnifiedChatResponse, error)
}

var finishReasons = map[string]models.FinishReason{
	"stop":               models.FinishStop,
	"end_turn":           models.FinishStop,
	"length":             models.FinishLength,
	"max_tokens":         models.FinishLength,
	"content_filter":     models.FinishContentFilter,
	"safety":             models.FinishContentFilter,
	"recitation":         models.FinishContentFilter,
	"blocklist":          models.FinishContentFilter,
	"prohibited_content": models.FinishContentFilter,
	"spii":               models.FinishContentFilter,
	"image_safety":       models.FinishContentFilter,
}

// NormalizeFinishReason maps a native finish reason onto the fixed enum.
// An empty value yields nil; unknown values map to "other".
func NormalizeFinishReason(native string) *models.FinishReason {
	key := strings.ToLower(strings.TrimSpace(native))
	if key == "" || key == "null" || key == "finish_reason_unspecified" {
		return nil
	}
	reason, ok := finishReasons[key]
	if !ok {
		reason = models.FinishOther
	}
	return &reason
}

func emptyChunk(text string, finish *models.FinishReason) bool {
	return text == "" && finish == nil
}

func joinNonEmpty(parts []string, sep string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
