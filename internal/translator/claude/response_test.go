package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ki2api/kiro-gateway/internal/eventstream"
)

func TestAccumulatorTextResponse(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Add(eventstream.Event{Type: eventstream.EventAssistantResponse, Content: "Hello"}))
	require.NoError(t, acc.Add(eventstream.Event{Type: eventstream.EventAssistantResponse, Content: ", world"}))

	resp := acc.Response("claude-sonnet-4-5", 12)
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, "assistant", resp.Role)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "Hello, world", resp.Content[0].Text)
	assert.Equal(t, StopReasonEndTurn, resp.StopReason)
	// No usage event arrived, so the estimate is used.
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.GreaterOrEqual(t, resp.Usage.OutputTokens, 1)
	assert.Regexp(t, `^msg_[0-9a-f]{32}$`, resp.ID)
}

func TestAccumulatorToolFragments(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Add(eventstream.Event{
		Type: eventstream.EventToolUse, ToolUseID: "t1", ToolName: "Write", Input: `{"file_`,
	}))
	require.NoError(t, acc.Add(eventstream.Event{
		Type: eventstream.EventToolUse, ToolUseID: "t1", Input: `path":"/tmp/a"}`, Stop: true,
	}))

	blocks := acc.ToolBlocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, "t1", blocks[0].ID)
	assert.Equal(t, "Write", blocks[0].Name)
	assert.JSONEq(t, `{"file_path":"/tmp/a"}`, string(blocks[0].Input))
	assert.Equal(t, StopReasonToolUse, acc.StopReason())
}

func TestAccumulatorInvalidToolInputBecomesEmptyObject(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Add(eventstream.Event{
		Type: eventstream.EventToolUse, ToolUseID: "t1", ToolName: "Bash", Input: `{"cmd": tru`, Stop: true,
	}))

	blocks := acc.ToolBlocks()
	require.Len(t, blocks, 1)
	assert.JSONEq(t, `{}`, string(blocks[0].Input))
}

func TestAccumulatorContextUsage(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Add(eventstream.Event{Type: eventstream.EventContextUsage, Percentage: 5}))

	assert.True(t, acc.SawUsage())
	// 5% of the 200k window.
	assert.Equal(t, 10000, acc.InputTokens(42))
}

func TestAccumulatorContentLengthExceeded(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Add(eventstream.Event{Type: eventstream.EventAssistantResponse, Content: "partial"}))
	require.NoError(t, acc.Add(eventstream.Event{
		Type:          eventstream.EventException,
		ExceptionType: eventstream.ExceptionContentLengthExceeded,
	}))

	assert.Equal(t, StopReasonMaxTokens, acc.StopReason())
}

func TestAccumulatorToolUseWinsOverMaxTokens(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Add(eventstream.Event{
		Type: eventstream.EventToolUse, ToolUseID: "t1", ToolName: "Read", Input: `{}`, Stop: true,
	}))
	require.NoError(t, acc.Add(eventstream.Event{
		Type:          eventstream.EventException,
		ExceptionType: eventstream.ExceptionContentLengthExceeded,
	}))

	assert.Equal(t, StopReasonToolUse, acc.StopReason())
}

func TestAccumulatorUpstreamException(t *testing.T) {
	acc := NewAccumulator()
	err := acc.Add(eventstream.Event{
		Type:             eventstream.EventException,
		ExceptionType:    "ThrottlingException",
		ExceptionMessage: "slow down",
		ExceptionReason:  "MONTHLY_REQUEST_COUNT",
	})
	require.Error(t, err)

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, "ThrottlingException", upstreamErr.ExceptionType)
	assert.True(t, upstreamErr.IsQuotaExhausted())
}

func TestAccumulatorMixedResponse(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Add(eventstream.Event{Type: eventstream.EventAssistantResponse, Content: "Running the command."}))
	require.NoError(t, acc.Add(eventstream.Event{
		Type: eventstream.EventToolUse, ToolUseID: "t1", ToolName: "Bash", Input: `{"command":"ls"}`, Stop: true,
	}))
	require.NoError(t, acc.Add(eventstream.Event{Type: eventstream.EventContextUsage, Percentage: 1}))

	resp := acc.Response("claude-sonnet-4-5", 0)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "tool_use", resp.Content[1].Type)
	assert.Equal(t, StopReasonToolUse, resp.StopReason)
	assert.Equal(t, 2000, resp.Usage.InputTokens)
}
