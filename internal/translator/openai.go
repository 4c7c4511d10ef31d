package translator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"chat-gateway/internal/models"
)

// OpenAIOptions tunes the OpenAI-compatible codec.
type OpenAIOptions struct {
	// AllowImagesWithSearch keeps image parts when web search is requested.
	AllowImagesWithSearch bool
}

// OpenAICodec speaks the OpenAI chat/completions schema (SSE family).
type OpenAICodec struct {
	opts OpenAIOptions
}

// NewOpenAICodec constructs the OpenAI-compatible codec.
func NewOpenAICodec(opts OpenAIOptions) *OpenAICodec {
	return &OpenAICodec{opts: opts}
}

func (c *OpenAICodec) Family() Family {
	return FamilySSE
}

type openAIChatPayload struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	WebSearchOptions *struct{}       `json:"web_search_options,omitempty"`
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

func (c *OpenAICodec) ToNative(req models.UnifiedChatRequest, target models.ProviderTarget) (NativeRequest, error) {
	dropImages := req.Tools.WebSearch && !c.opts.AllowImagesWithSearch
	dropped := 0

	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		parts := make([]openAIContentPart, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				parts = append(parts, openAIContentPart{Type: "text", Text: part.Text})
			case models.PartImage:
				if dropImages {
					dropped++
					continue
				}
				parts = append(parts, openAIContentPart{
					Type:     "image_url",
					ImageURL: &openAIImageURL{URL: dataURL(part.MIMEType, part.Data)},
				})
			}
		}

		content, err := encodeOpenAIContent(parts)
		if err != nil {
			return nil, err
		}
		messages = append(messages, openAIMessage{Role: string(msg.Role), Content: content})
	}

	if dropped > 0 {
		log.Warn().
			Str("model", target.NativeModelID).
			Int("images", dropped).
			Msg("web search cannot be combined with images for this provider, images omitted")
	}

	payload := openAIChatPayload{
		Model:       target.NativeModelID,
		Messages:    messages,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Tools.WebSearch {
		payload.WebSearchOptions = &struct{}{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal openai payload: %w", err)
	}
	return body, nil
}

// encodeOpenAIContent uses the plain string form for a single text part.
func encodeOpenAIContent(parts []openAIContentPart) (json.RawMessage, error) {
	var (
		body []byte
		err  error
	)
	switch {
	case len(parts) == 0:
		body, err = json.Marshal("")
	case len(parts) == 1 && parts[0].Type == "text":
		body, err = json.Marshal(parts[0].Text)
	default:
		body, err = json.Marshal(parts)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal openai content: %w", err)
	}
	return body, nil
}

func (c *OpenAICodec) FromNativeRequest(native NativeRequest) (models.UnifiedChatRequest, error) {
	var payload openAIChatPayload
	if err := json.Unmarshal(native, &payload); err != nil {
		return models.UnifiedChatRequest{}, fmt.Errorf("decode openai payload: %w", err)
	}

	messages := make([]models.Message, 0, len(payload.Messages))
	for i, msg := range payload.Messages {
		parts, err := decodeOpenAIContent(msg.Content)
		if err != nil {
			return models.UnifiedChatRequest{}, fmt.Errorf("message[%d]: %w", i, err)
		}
		messages = append(messages, models.Message{Role: models.Role(msg.Role), Parts: parts})
	}

	return models.UnifiedChatRequest{
		Messages:    messages,
		Model:       payload.Model,
		Provider:    models.ProviderOpenAI,
		Temperature: payload.Temperature,
		MaxTokens:   payload.MaxTokens,
		Stream:      payload.Stream,
		Tools:       models.Tools{WebSearch: payload.WebSearchOptions != nil},
	}, nil
}

func decodeOpenAIContent(raw json.RawMessage) ([]models.ContentPart, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []models.ContentPart{models.TextPart(text)}, nil
	}

	var parts []openAIContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, errors.New("openai content must be a string or an array of parts")
	}

	out := make([]models.ContentPart, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case "text":
			out = append(out, models.TextPart(part.Text))
		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			if mimeType, data, ok := parseDataURL(part.ImageURL.URL); ok {
				out = append(out, models.ImagePart(mimeType, data))
			}
		}
	}
	return out, nil
}

func (c *OpenAICodec) FromNativeChunk(obj []byte) (models.NormalizedChunk, bool) {
	choice := gjson.GetBytes(obj, "choices.0")
	if !choice.Exists() {
		return models.NormalizedChunk{}, false
	}

	chunk := models.NormalizedChunk{
		Index:        int(choice.Get("index").Int()),
		DeltaText:    choice.Get("delta.content").String(),
		FinishReason: NormalizeFinishReason(choice.Get("finish_reason").String()),
		Citations:    openAICitations(obj, choice.Get("delta")),
	}
	if emptyChunk(chunk.DeltaText, chunk.FinishReason) {
		return models.NormalizedChunk{}, false
	}
	return chunk, true
}

func (c *OpenAICodec) FromNativeResponse(body []byte) (*models.UnifiedChatResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("openai response is not valid JSON")
	}
	choice := gjson.GetBytes(body, "choices.0")
	if !choice.Exists() {
		return nil, errors.New("openai response did not include choices")
	}

	role := choice.Get("message.role").String()
	if role == "" {
		role = string(models.RoleAssistant)
	}
	usage := gjson.GetBytes(body, "usage")

	return &models.UnifiedChatResponse{
		ID: gjson.GetBytes(body, "id").String(),
		Message: models.Message{
			Role:  models.Role(role),
			Parts: []models.ContentPart{models.TextPart(choice.Get("message.content").String())},
		},
		FinishReason: NormalizeFinishReason(choice.Get("finish_reason").String()),
		Usage: models.Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		},
		Citations: openAICitations(body, choice.Get("message")),
	}, nil
}

// openAICitations prefers a top-level citations field (Perplexity style) and
// falls back to message or delta annotations.
func openAICitations(obj []byte, message gjson.Result) json.RawMessage {
	if top := gjson.GetBytes(obj, "citations"); top.Exists() && top.Type != gjson.Null {
		return json.RawMessage(top.Raw)
	}
	if annotations := message.Get("annotations"); annotations.Exists() && annotations.Type != gjson.Null {
		return json.RawMessage(annotations.Raw)
	}
	return nil
}
