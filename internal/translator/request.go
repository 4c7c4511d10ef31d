package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chat-gateway/internal/models"
)

var (
	errEmptyMessages   = errors.New("at least one message is required")
	errInvalidRole     = errors.New("invalid role")
	errInvalidContent  = errors.New("invalid message content")
	errInvalidProvider = errors.New("invalid provider")
	errImageRole       = errors.New("image content is only allowed in user messages")
)

var allowedRoles = map[models.Role]struct{}{
	models.RoleSystem:    {},
	models.RoleUser:      {},
	models.RoleAssistant: {},
}

// ChatCompletionRequest models the gateway's inbound chat request payload.
type ChatCompletionRequest struct {
	Model       string
	Provider    models.ProviderID
	Messages    []ChatMessage
	Stream      bool
	MaxTokens   *int
	Temperature *float64
	WebSearch   bool
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       string        `json:"model"`
		Provider    string        `json:"provider"`
		Messages    []ChatMessage `json:"messages"`
		Stream      bool          `json:"stream"`
		MaxTokens   *int          `json:"max_tokens"`
		Temperature *float64      `json:"temperature"`
		Tools       struct {
			WebSearch bool `json:"web_search"`
		} `json:"tools"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	provider, err := parseProvider(raw.Provider)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Provider = provider
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.WebSearch = raw.Tools.WebSearch

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", *r.MaxTokens)
	}
	return nil
}

// ToUnified converts the inbound request into the canonical format.
func (r ChatCompletionRequest) ToUnified() models.UnifiedChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		parts := make([]models.ContentPart, len(m.Parts))
		copy(parts, m.Parts)
		msgs = append(msgs, models.Message{
			Role:  m.Role,
			Parts: parts,
		})
	}

	return models.UnifiedChatRequest{
		Messages:    msgs,
		Model:       r.Model,
		Provider:    r.Provider,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Stream:      r.Stream,
		Tools:       models.Tools{WebSearch: r.WebSearch},
	}
}

func parseProvider(raw string) (models.ProviderID, error) {
	switch id := models.ProviderID(strings.ToLower(strings.TrimSpace(raw))); id {
	case "", models.ProviderAuto:
		return models.ProviderAuto, nil
	case models.ProviderOpenAI, models.ProviderGemini:
		return id, nil
	default:
		return "", fmt.Errorf("%w: %q", errInvalidProvider, raw)
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role  models.Role
	Parts []models.ContentPart
}

// UnmarshalJSON supports string and array-of-parts content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	parts, err := extractMessageParts(raw.Content)
	if err != nil {
		return err
	}

	m.Role = models.Role(strings.TrimSpace(raw.Role))
	m.Parts = parts

	return m.validate()
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	for _, part := range m.Parts {
		if part.Type == models.PartImage && m.Role != models.RoleUser {
			return errImageRole
		}
	}
	return nil
}

type contentSegment struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

func extractMessageParts(raw json.RawMessage) ([]models.ContentPart, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w: message content must not be empty", errInvalidContent)
		}
		return []models.ContentPart{models.TextPart(text)}, nil
	}

	var segments []contentSegment
	if err := json.Unmarshal(raw, &segments); err != nil {
		return nil, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
	}

	parts := make([]models.ContentPart, 0, len(segments))
	for _, segment := range segments {
		switch segment.Type {
		case "text":
			parts = append(parts, models.TextPart(segment.Text))
		case "image":
			part, err := imagePart(segment.MIMEType, segment.Data)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		case "image_url":
			if segment.ImageURL == nil {
				return nil, fmt.Errorf("%w: image_url segment without url", errInvalidContent)
			}
			mimeType, data, ok := parseDataURL(segment.ImageURL.URL)
			if !ok {
				return nil, fmt.Errorf("%w: image_url must be a base64 data URL", errInvalidContent)
			}
			part, err := imagePart(mimeType, data)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		default:
			return nil, fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
		}
	}
	return parts, nil
}

func imagePart(mimeType, data string) (models.ContentPart, error) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if !strings.HasPrefix(mimeType, "image/") {
		return models.ContentPart{}, fmt.Errorf("%w: image mime type %q not supported", errInvalidContent, mimeType)
	}
	if strings.TrimSpace(data) == "" {
		return models.ContentPart{}, fmt.Errorf("%w: image data must not be empty", errInvalidContent)
	}
	return models.ImagePart(mimeType, data), nil
}

// parseDataURL splits "data:<mime>;base64,<payload>".
func parseDataURL(url string) (mimeType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	header, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mimeType, found = strings.CutSuffix(header, ";base64")
	if !found {
		return "", "", false
	}
	return mimeType, payload, true
}

func dataURL(mimeType, data string) string {
	return "data:" + mimeType + ";base64," + data
}
