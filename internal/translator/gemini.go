package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"chat-gateway/internal/models"
)

const geminiModelRole = "model"

// GeminiOptions tunes the Gemini codec.
type GeminiOptions struct {
	// AllowImagesWithSearch keeps image parts when web search is requested.
	AllowImagesWithSearch bool
}

// GeminiCodec speaks the Gemini generateContent schema (array-streaming family).
type GeminiCodec struct {
	opts GeminiOptions
}

// NewGeminiCodec constructs the Gemini codec.
func NewGeminiCodec(opts GeminiOptions) *GeminiCodec {
	return &GeminiCodec{opts: opts}
}

func (c *GeminiCodec) Family() Family {
	return FamilyArray
}

type geminiPayload struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

// ToNative builds a generateContent payload. All system messages are merged,
// in order and joined by a blank line, into a single systemInstruction; their
// count and positions among the other turns are not preserved.
func (c *GeminiCodec) ToNative(req models.UnifiedChatRequest, target models.ProviderTarget) (NativeRequest, error) {
	dropImages := req.Tools.WebSearch && !c.opts.AllowImagesWithSearch
	dropped := 0

	var systemParts []string
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			systemParts = append(systemParts, msg.Text())
			continue
		}

		role := string(models.RoleUser)
		if msg.Role == models.RoleAssistant {
			role = geminiModelRole
		}

		parts := make([]geminiPart, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				parts = append(parts, geminiPart{Text: part.Text})
			case models.PartImage:
				if dropImages {
					dropped++
					continue
				}
				parts = append(parts, geminiPart{InlineData: &geminiInlineData{
					MIMEType: part.MIMEType,
					Data:     part.Data,
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, geminiContent{Role: role, Parts: parts})
	}

	if dropped > 0 {
		log.Warn().
			Str("model", target.NativeModelID).
			Int("images", dropped).
			Msg("web search cannot be combined with images for this provider, images omitted")
	}

	payload := geminiPayload{Contents: contents}
	if system := joinNonEmpty(systemParts, "\n\n"); system != "" {
		payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		payload.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	if req.Tools.WebSearch {
		payload.Tools = []geminiTool{{GoogleSearch: &struct{}{}}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini payload: %w", err)
	}
	return body, nil
}

func (c *GeminiCodec) FromNativeRequest(native NativeRequest) (models.UnifiedChatRequest, error) {
	var payload geminiPayload
	if err := json.Unmarshal(native, &payload); err != nil {
		return models.UnifiedChatRequest{}, fmt.Errorf("decode gemini payload: %w", err)
	}

	messages := make([]models.Message, 0, len(payload.Contents)+1)
	if payload.SystemInstruction != nil {
		messages = append(messages, models.Message{
			Role:  models.RoleSystem,
			Parts: fromGeminiParts(payload.SystemInstruction.Parts),
		})
	}
	for _, content := range payload.Contents {
		role := models.RoleUser
		if content.Role == geminiModelRole {
			role = models.RoleAssistant
		}
		messages = append(messages, models.Message{Role: role, Parts: fromGeminiParts(content.Parts)})
	}

	req := models.UnifiedChatRequest{
		Messages: messages,
		Provider: models.ProviderGemini,
	}
	if cfg := payload.GenerationConfig; cfg != nil {
		req.Temperature = cfg.Temperature
		req.MaxTokens = cfg.MaxOutputTokens
	}
	for _, tool := range payload.Tools {
		if tool.GoogleSearch != nil {
			req.Tools.WebSearch = true
		}
	}
	return req, nil
}

func fromGeminiParts(parts []geminiPart) []models.ContentPart {
	out := make([]models.ContentPart, 0, len(parts))
	for _, part := range parts {
		if part.InlineData != nil {
			out = append(out, models.ImagePart(part.InlineData.MIMEType, part.InlineData.Data))
			continue
		}
		out = append(out, models.TextPart(part.Text))
	}
	return out
}

func (c *GeminiCodec) FromNativeChunk(obj []byte) (models.NormalizedChunk, bool) {
	candidate := gjson.GetBytes(obj, "candidates.0")
	if !candidate.Exists() {
		// A prompt blocked before generation carries only promptFeedback.
		if block := gjson.GetBytes(obj, "promptFeedback.blockReason"); block.Exists() {
			reason := models.FinishContentFilter
			return models.NormalizedChunk{FinishReason: &reason}, true
		}
		return models.NormalizedChunk{}, false
	}

	chunk := models.NormalizedChunk{
		Index:        int(candidate.Get("index").Int()),
		DeltaText:    geminiCandidateText(candidate),
		FinishReason: NormalizeFinishReason(candidate.Get("finishReason").String()),
	}
	if grounding := candidate.Get("groundingMetadata"); grounding.Exists() {
		chunk.Citations = json.RawMessage(grounding.Raw)
	}
	if emptyChunk(chunk.DeltaText, chunk.FinishReason) {
		return models.NormalizedChunk{}, false
	}
	return chunk, true
}

func (c *GeminiCodec) FromNativeResponse(body []byte) (*models.UnifiedChatResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("gemini response is not valid JSON")
	}
	candidate := gjson.GetBytes(body, "candidates.0")
	if !candidate.Exists() {
		if block := gjson.GetBytes(body, "promptFeedback.blockReason"); block.Exists() {
			reason := models.FinishContentFilter
			return &models.UnifiedChatResponse{
				ID:           gjson.GetBytes(body, "responseId").String(),
				Message:      models.Message{Role: models.RoleAssistant, Parts: []models.ContentPart{models.TextPart("")}},
				FinishReason: &reason,
			}, nil
		}
		return nil, errors.New("gemini response did not include candidates")
	}

	usage := gjson.GetBytes(body, "usageMetadata")
	resp := &models.UnifiedChatResponse{
		ID: gjson.GetBytes(body, "responseId").String(),
		Message: models.Message{
			Role:  models.RoleAssistant,
			Parts: []models.ContentPart{models.TextPart(geminiCandidateText(candidate))},
		},
		FinishReason: NormalizeFinishReason(candidate.Get("finishReason").String()),
		Usage: models.Usage{
			PromptTokens:     int(usage.Get("promptTokenCount").Int()),
			CompletionTokens: int(usage.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(usage.Get("totalTokenCount").Int()),
		},
	}
	if grounding := candidate.Get("groundingMetadata"); grounding.Exists() {
		resp.Citations = json.RawMessage(grounding.Raw)
	}
	return resp, nil
}

// geminiCandidateText joins the text parts of a candidate, skipping thoughts.
func geminiCandidateText(candidate gjson.Result) string {
	var b strings.Builder
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			return true
		}
		b.WriteString(part.Get("text").String())
		return true
	})
	return b.String()
}
