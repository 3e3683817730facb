// Package claude translates between the Anthropic Messages API and the
// CodeWhisperer GenerateAssistantResponse wire format, including history
// management and local token counting.
package claude

import (
	"encoding/json"
	"fmt"
)

// MessagesRequest is an Anthropic Messages API request.
type MessagesRequest struct {
	Model      string          `json:"model"`
	MaxTokens  int             `json:"max_tokens"`
	Messages   []Message       `json:"messages"`
	Stream     bool            `json:"stream,omitempty"`
	System     SystemPrompt    `json:"system,omitempty"`
	Tools      []Tool          `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
	Thinking   *Thinking       `json:"thinking,omitempty"`
	Metadata   *Metadata       `json:"metadata,omitempty"`
}

// ThinkingEnabled reports whether extended thinking was requested.
func (r *MessagesRequest) ThinkingEnabled() bool {
	return r.Thinking != nil && r.Thinking.Type == "enabled"
}

// Thinking is the extended-thinking request block.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Metadata carries the client-supplied request metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// Tool is an Anthropic tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent accepts both wire forms of a message body: a bare string
// or an array of content blocks. The bare-string form is normalised to a
// single text block.
type MessageContent struct {
	Blocks []ContentBlock
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Blocks = []ContentBlock{{Type: "text", Text: text}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("message content must be a string or a block array: %w", err)
	}
	c.Blocks = blocks
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Blocks)
}

// Text concatenates the text of all text blocks.
func (c MessageContent) Text() string {
	var out string
	for _, b := range c.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// TextContent builds a MessageContent holding a single text block.
func TextContent(text string) MessageContent {
	return MessageContent{Blocks: []ContentBlock{{Type: "text", Text: text}}}
}

// ContentBlock is one block of an Anthropic message. The populated fields
// depend on Type (text, thinking, image, tool_use, tool_result).
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
}

// ImageSource is the base64 image payload of an image block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// SystemPrompt accepts both wire forms of the system field: a bare string
// or an array of text blocks.
type SystemPrompt []SystemBlock

// SystemBlock is one system prompt segment.
type SystemBlock struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*s = SystemPrompt{{Type: "text", Text: text}}
		return nil
	}
	var blocks []SystemBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system must be a string or a block array: %w", err)
	}
	*s = blocks
	return nil
}

// Text concatenates all system prompt segments.
func (s SystemPrompt) Text() string {
	var out string
	for _, b := range s {
		out += b.Text
	}
	return out
}

// MessagesResponse is a non-streaming Anthropic Messages API response.
type MessagesResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Model        string          `json:"model"`
	Content      []ResponseBlock `json:"content"`
	StopReason   string          `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        Usage           `json:"usage"`
}

// ResponseBlock is one block of an assistant response.
type ResponseBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Usage is the Anthropic token usage report.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
