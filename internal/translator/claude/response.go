package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ki2api/kiro-gateway/internal/eventstream"
)

// Stop reasons, in precedence order tool_use > max_tokens > end_turn.
const (
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
	StopReasonEndTurn   = "end_turn"
)

// NewMessageID generates an Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// UpstreamError is a terminal exception from the upstream stream.
type UpstreamError struct {
	ExceptionType string
	Message       string
	Reason        string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream exception %s: %s", e.ExceptionType, e.Message)
	}
	return fmt.Sprintf("upstream exception %s", e.ExceptionType)
}

// IsQuotaExhausted reports whether the exception indicates the credential's
// monthly request quota ran out.
func (e *UpstreamError) IsQuotaExhausted() bool {
	return strings.Contains(e.Reason, "MONTHLY_REQUEST_COUNT") ||
		strings.Contains(e.Message, "MONTHLY_REQUEST_COUNT")
}

// toolAssembly collects tool input fragments for one tool use until the
// stop flag arrives.
type toolAssembly struct {
	id    string
	name  string
	input strings.Builder
	done  bool
}

// Accumulator folds upstream events into an Anthropic response. It backs
// both the non-streaming handler and the stream relay's bookkeeping.
type Accumulator struct {
	text        strings.Builder
	tools       []*toolAssembly
	toolsByID   map[string]*toolAssembly
	inputTokens int
	sawUsage    bool
	maxTokens   bool
	err         *UpstreamError
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{toolsByID: make(map[string]*toolAssembly)}
}

// Add folds one event in. It returns a terminal error for upstream
// exceptions other than the content length ceiling, which instead maps to
// stop_reason max_tokens.
func (a *Accumulator) Add(ev eventstream.Event) error {
	switch ev.Type {
	case eventstream.EventAssistantResponse:
		a.text.WriteString(ev.Content)

	case eventstream.EventToolUse:
		tool := a.toolsByID[ev.ToolUseID]
		if tool == nil {
			tool = &toolAssembly{id: ev.ToolUseID, name: ev.ToolName}
			a.toolsByID[ev.ToolUseID] = tool
			a.tools = append(a.tools, tool)
		}
		if tool.name == "" {
			tool.name = ev.ToolName
		}
		tool.input.WriteString(ev.Input)
		if ev.Stop {
			tool.done = true
		}

	case eventstream.EventContextUsage:
		a.inputTokens = int(ev.InputTokens())
		a.sawUsage = true

	case eventstream.EventException:
		if ev.IsContentLengthExceeded() {
			a.maxTokens = true
			return nil
		}
		a.err = &UpstreamError{
			ExceptionType: ev.ExceptionType,
			Message:       ev.ExceptionMessage,
			Reason:        ev.ExceptionReason,
		}
		return a.err
	}
	return nil
}

// StopReason applies the tool_use > max_tokens > end_turn precedence.
func (a *Accumulator) StopReason() string {
	if len(a.tools) > 0 {
		return StopReasonToolUse
	}
	if a.maxTokens {
		return StopReasonMaxTokens
	}
	return StopReasonEndTurn
}

// InputTokens returns the usage-derived input token count, or the given
// estimate when the upstream never reported usage.
func (a *Accumulator) InputTokens(estimate int) int {
	if a.sawUsage {
		return a.inputTokens
	}
	return estimate
}

// SawUsage reports whether a context usage event arrived.
func (a *Accumulator) SawUsage() bool {
	return a.sawUsage
}

// OutputTokens estimates the generated token count from accumulated text
// and tool input.
func (a *Accumulator) OutputTokens() int {
	chars := a.text.Len()
	for _, t := range a.tools {
		chars += t.input.Len()
	}
	tokens := chars / charsPerToken
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// Text returns the accumulated assistant text.
func (a *Accumulator) Text() string {
	return a.text.String()
}

// ToolBlocks returns the assembled tool_use response blocks. Tool input
// that does not parse as JSON is replaced with an empty object, matching
// what clients can actually consume.
func (a *Accumulator) ToolBlocks() []ResponseBlock {
	var out []ResponseBlock
	for _, t := range a.tools {
		input := json.RawMessage(t.input.String())
		if !json.Valid(input) || len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		out = append(out, ResponseBlock{
			Type:  "tool_use",
			ID:    t.id,
			Name:  t.name,
			Input: input,
		})
	}
	return out
}

// Response builds the final non-streaming Anthropic response.
func (a *Accumulator) Response(model string, inputEstimate int) *MessagesResponse {
	var content []ResponseBlock
	if text := a.Text(); text != "" {
		content = append(content, ResponseBlock{Type: "text", Text: text})
	}
	content = append(content, a.ToolBlocks()...)
	if content == nil {
		content = []ResponseBlock{}
	}

	return &MessagesResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    content,
		StopReason: a.StopReason(),
		Usage: Usage{
			InputTokens:  a.InputTokens(inputEstimate),
			OutputTokens: a.OutputTokens(),
		},
	}
}
