package claude

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrEmptyMessages is returned when a request carries no messages.
var ErrEmptyMessages = errors.New("messages must not be empty")

// ErrUnsupportedModel is returned for model names that cannot be mapped to
// an upstream model id.
var ErrUnsupportedModel = errors.New("unsupported model")

// continuePrompt fills message slots the upstream refuses to accept empty.
const continuePrompt = "Continue"

// toolResultsPrompt stands in for user turns that carry only tool results.
const toolResultsPrompt = "Tool results provided."

// modelIDs maps Anthropic model names to upstream model ids. Sonnet uses
// the upstream's uppercase form, Opus and Haiku the dotted lowercase form.
var modelIDs = map[string]string{
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
}

// UpstreamModelID maps a model name to the upstream id. Unlisted names
// fall back by family so new date suffixes keep working.
func UpstreamModelID(model string) (string, error) {
	if id, ok := modelIDs[model]; ok {
		return id, nil
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "sonnet"):
		return "CLAUDE_SONNET_4_5_20250929_V1_0", nil
	case strings.Contains(lower, "opus"):
		return "claude-opus-4.5", nil
	case strings.Contains(lower, "haiku"):
		return "claude-haiku-4.5", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedModel, model)
}

// Convert translates an Anthropic Messages request into the upstream
// conversationState envelope. profileArn is only set for social-auth
// credentials; pass empty otherwise.
func Convert(req *MessagesRequest, profileArn string) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyMessages
	}
	modelID, err := UpstreamModelID(req.Model)
	if err != nil {
		return nil, err
	}

	messages := foldSystemPrompt(req.Messages, req.System)
	messages = mergeAdjacentRoles(messages)

	var history []map[string]any
	var current Message
	if last := messages[len(messages)-1]; last.Role == "assistant" {
		// The upstream requires the current message to be user input.
		for _, m := range messages {
			history = append(history, historyEntry(m, modelID))
		}
		current = Message{Role: "user", Content: TextContent(continuePrompt)}
	} else {
		for _, m := range messages[:len(messages)-1] {
			history = append(history, historyEntry(m, modelID))
		}
		current = last
	}

	// History must close with an assistant turn before new user input.
	if len(history) > 0 {
		if _, ok := history[len(history)-1]["userInputMessage"]; ok {
			history = append(history, map[string]any{
				"assistantResponseMessage": map[string]any{"content": continuePrompt},
			})
		}
	}

	userInput := map[string]any{
		"content": currentContent(current),
		"modelId": modelID,
		"origin":  "AI_EDITOR",
	}
	if images := imageAttachments(current); len(images) > 0 {
		userInput["images"] = images
	}
	if ctx := inputMessageContext(current, req.Tools); len(ctx) > 0 {
		userInput["userInputMessageContext"] = ctx
	}

	conversationState := map[string]any{
		"chatTriggerType": "MANUAL",
		"conversationId":  uuid.NewString(),
		"currentMessage":  map[string]any{"userInputMessage": userInput},
	}
	if len(history) > 0 {
		conversationState["history"] = history
	}

	envelope := map[string]any{"conversationState": conversationState}
	if profileArn != "" {
		envelope["profileArn"] = profileArn
	}
	return json.Marshal(envelope)
}

// foldSystemPrompt prepends the system text to the first user message.
func foldSystemPrompt(messages []Message, system SystemPrompt) []Message {
	text := system.Text()
	if text == "" {
		return messages
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	for i, m := range out {
		if m.Role != "user" {
			continue
		}
		blocks := make([]ContentBlock, 0, len(m.Content.Blocks)+1)
		blocks = append(blocks, ContentBlock{Type: "text", Text: text + "\n\n"})
		blocks = append(blocks, m.Content.Blocks...)
		out[i] = Message{Role: m.Role, Content: MessageContent{Blocks: blocks}}
		return out
	}
	// No user turn to fold into, prepend a standalone one.
	return append([]Message{{Role: "user", Content: TextContent(text)}}, out...)
}

// mergeAdjacentRoles joins consecutive messages of the same role so the
// history strictly alternates.
func mergeAdjacentRoles(messages []Message) []Message {
	var out []Message
	for _, m := range messages {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			prev := &out[len(out)-1]
			prev.Content.Blocks = append(prev.Content.Blocks, m.Content.Blocks...)
			continue
		}
		out = append(out, Message{Role: m.Role, Content: MessageContent{Blocks: append([]ContentBlock(nil), m.Content.Blocks...)}})
	}
	return out
}

// historyEntry converts one past turn to the upstream history form.
func historyEntry(m Message, modelID string) map[string]any {
	if m.Role == "assistant" {
		entry := map[string]any{"content": assistantText(m)}
		if uses := toolUses(m); len(uses) > 0 {
			entry["toolUses"] = uses
		}
		return map[string]any{"assistantResponseMessage": entry}
	}

	content := m.Content.Text()
	if content == "" {
		if len(toolResults(m)) > 0 {
			content = toolResultsPrompt
		} else {
			content = continuePrompt
		}
	}
	return map[string]any{
		"userInputMessage": map[string]any{
			"content": content,
			"modelId": modelID,
			"origin":  "AI_EDITOR",
		},
	}
}

// assistantText renders an assistant turn as text, wrapping thinking
// blocks in tags so they survive the round trip.
func assistantText(m Message) string {
	var sb strings.Builder
	for _, b := range m.Content.Blocks {
		switch b.Type {
		case "thinking":
			sb.WriteString("<kiro_thinking>")
			sb.WriteString(b.Thinking)
			sb.WriteString("</kiro_thinking>\n")
		case "text":
			sb.WriteString(b.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return continuePrompt
	}
	return text
}

func currentContent(m Message) string {
	if text := m.Content.Text(); text != "" {
		return text
	}
	if len(toolResults(m)) > 0 {
		return toolResultsPrompt
	}
	return continuePrompt
}

// toolUses extracts tool_use blocks in the upstream shape.
func toolUses(m Message) []map[string]any {
	var out []map[string]any
	for _, b := range m.Content.Blocks {
		if b.Type != "tool_use" {
			continue
		}
		var input any
		if len(b.Input) > 0 {
			if err := json.Unmarshal(b.Input, &input); err != nil {
				input = map[string]any{}
			}
		} else {
			input = map[string]any{}
		}
		out = append(out, map[string]any{
			"toolUseId": b.ID,
			"name":      b.Name,
			"input":     input,
		})
	}
	return out
}

// toolResults extracts tool_result blocks, deduplicated by tool use id
// with the first occurrence winning.
func toolResults(m Message) []map[string]any {
	var out []map[string]any
	seen := make(map[string]bool)
	for _, b := range m.Content.Blocks {
		if b.Type != "tool_result" || seen[b.ToolUseID] {
			continue
		}
		seen[b.ToolUseID] = true
		status := "success"
		if b.IsError {
			status = "error"
		}
		out = append(out, map[string]any{
			"toolUseId": b.ToolUseID,
			"status":    status,
			"content":   []map[string]any{{"text": toolResultText(b.Content)}},
		})
	}
	return out
}

// toolResultText flattens a tool_result content field, which may be a bare
// string or a block array.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}

// imageAttachments converts image blocks to the upstream attachment form.
func imageAttachments(m Message) []map[string]any {
	var out []map[string]any
	for _, b := range m.Content.Blocks {
		if b.Type != "image" || b.Source == nil {
			continue
		}
		format := strings.TrimPrefix(b.Source.MediaType, "image/")
		out = append(out, map[string]any{
			"format": format,
			"source": map[string]any{"bytes": b.Source.Data},
		})
	}
	return out
}

// inputMessageContext builds userInputMessageContext with tool results
// from the current turn and the request's tool definitions. Web search
// tools are handled elsewhere and never forwarded upstream.
func inputMessageContext(current Message, tools []Tool) map[string]any {
	ctx := make(map[string]any)
	if results := toolResults(current); len(results) > 0 {
		ctx["toolResults"] = results
	}
	if specs := toolSpecifications(tools); len(specs) > 0 {
		ctx["tools"] = specs
	}
	return ctx
}

func toolSpecifications(tools []Tool) []map[string]any {
	var out []map[string]any
	for _, t := range tools {
		lower := strings.ToLower(t.Name)
		if lower == "web_search" || lower == "websearch" {
			continue
		}
		var schema any
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				schema = map[string]any{"type": "object"}
			}
		} else {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, map[string]any{
			"toolSpecification": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"inputSchema": map[string]any{"json": schema},
			},
		})
	}
	return out
}
