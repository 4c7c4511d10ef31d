package translator

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"chat-gateway/internal/models"
)

const (
	objectChatCompletion      = "chat.completion"
	objectChatCompletionChunk = "chat.completion.chunk"
)

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"`
	Created   int64           `json:"created"`
	Model     string          `json:"model"`
	Choices   []ChatChoice    `json:"choices"`
	Usage     *OpenAIUsage    `json:"usage,omitempty"`
	Citations json.RawMessage `json:"citations,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason *string         `json:"finish_reason"`
}

// ResponseMessage is the assistant message returned to the client.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromUnifiedChat constructs the OpenAI response shape from the unified data.
func FromUnifiedChat(id, modelID string, createdUnix int64, resp *models.UnifiedChatResponse) ChatCompletionResponse {
	if resp.ID != "" {
		id = resp.ID
	}
	role := string(resp.Message.Role)
	if role == "" {
		role = string(models.RoleAssistant)
	}

	var usage *OpenAIUsage
	if resp.Usage.TotalTokens != 0 || resp.Usage.PromptTokens != 0 || resp.Usage.CompletionTokens != 0 {
		usage = &OpenAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return ChatCompletionResponse{
		ID:      id,
		Object:  objectChatCompletion,
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ResponseMessage{Role: role, Content: resp.Message.Text()},
			FinishReason: finishString(resp.FinishReason),
		}},
		Usage:     usage,
		Citations: resp.Citations,
	}
}

// ChunkEvent is the payload of one outbound stream event.
type ChunkEvent struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries the delta of a stream event.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta holds the incremental text.
type ChunkDelta struct {
	Content string `json:"content"`
}

// EncodeChunk renders a normalized chunk as a chat.completion.chunk JSON
// object. Citations, when present, are attached verbatim.
func EncodeChunk(id, modelID string, createdUnix int64, chunk models.NormalizedChunk) ([]byte, error) {
	event := ChunkEvent{
		ID:      id,
		Object:  objectChatCompletionChunk,
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChunkChoice{{
			Index:        chunk.Index,
			Delta:        ChunkDelta{Content: chunk.DeltaText},
			FinishReason: finishString(chunk.FinishReason),
		}},
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk event: %w", err)
	}
	if len(chunk.Citations) > 0 {
		data, err = sjson.SetRawBytes(data, "citations", chunk.Citations)
		if err != nil {
			return nil, fmt.Errorf("attach citations: %w", err)
		}
	}
	return data, nil
}

// ErrorBody is the OpenAI-style error envelope used for responses and events.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one gateway error.
type ErrorDetail struct {
	Message           string `json:"message"`
	Type              string `json:"type"`
	Code              string `json:"code,omitempty"`
	RetryAfterSeconds *int   `json:"retry_after_seconds,omitempty"`
}

func finishString(reason *models.FinishReason) *string {
	if reason == nil {
		return nil
	}
	s := string(*reason)
	return &s
}
