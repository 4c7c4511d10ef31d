package models

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a message in the unified schema.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType distinguishes text and inline image content.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one ordered element of a message body.
type ContentPart struct {
	Type     PartType
	Text     string
	MIMEType string
	// Data holds the base64 encoded image payload.
	Data string
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an inline image content part.
func ImagePart(mimeType, data string) ContentPart {
	return ContentPart{Type: PartImage, MIMEType: mimeType, Data: data}
}

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role  Role
	Parts []ContentPart
}

// Text concatenates the text parts of the message in order.
func (m Message) Text() string {
	if len(m.Parts) == 1 && m.Parts[0].Type == PartText {
		return m.Parts[0].Text
	}
	var b strings.Builder
	for _, part := range m.Parts {
		if part.Type == PartText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// HasImage reports whether any part of the message is an image.
func (m Message) HasImage() bool {
	for _, part := range m.Parts {
		if part.Type == PartImage {
			return true
		}
	}
	return false
}

// ProviderID names an upstream provider family.
type ProviderID string

const (
	ProviderAuto   ProviderID = "auto"
	ProviderOpenAI ProviderID = "openai"
	ProviderGemini ProviderID = "gemini"
)

// Tools lists the optional server-side tools requested by the caller.
type Tools struct {
	WebSearch bool
}

// UnifiedChatRequest is the canonical representation of a chat completion.
type UnifiedChatRequest struct {
	Messages    []Message
	Model       string
	Provider    ProviderID
	Temperature *float64
	MaxTokens   *int
	Stream      bool
	Tools       Tools
}

// HasImage reports whether any message carries an image part.
func (r UnifiedChatRequest) HasImage() bool {
	for _, msg := range r.Messages {
		if msg.HasImage() {
			return true
		}
	}
	return false
}

// Mode classifies the call for timeouts and usage reporting.
func (r UnifiedChatRequest) Mode() Mode {
	switch {
	case r.HasImage():
		return ModeVision
	case r.Tools.WebSearch:
		return ModeSearch
	default:
		return ModeChat
	}
}

// Mode is the kind of call being relayed.
type Mode string

const (
	ModeChat   Mode = "chat"
	ModeVision Mode = "vision"
	ModeSearch Mode = "search"
)

// FinishReason is the normalized reason a generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishOther         FinishReason = "other"
)

// NormalizedChunk is one delta forwarded to the client.
type NormalizedChunk struct {
	Index        int
	DeltaText    string
	FinishReason *FinishReason
	// Citations is the provider's grounding metadata, passed through verbatim.
	Citations json.RawMessage
}

// UnifiedChatResponse captures a provider response in the unified schema.
type UnifiedChatResponse struct {
	ID           string
	Message      Message
	FinishReason *FinishReason
	Usage        Usage
	Citations    json.RawMessage
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Model identifies a known model with provider metadata.
type Model struct {
	ID       string
	Provider ProviderID
}

// ProviderTarget is the resolved upstream for a single call.
type ProviderTarget struct {
	ProviderID    ProviderID
	BaseURL       string
	APIKeyRef     string
	NativeModelID string
}
