package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ki2api/kiro-gateway/internal/eventstream"
	"github.com/ki2api/kiro-gateway/internal/translator/claude"
)

// ssePingInterval is the heartbeat period keeping idle streams alive through
// proxies and load balancers.
const ssePingInterval = 25 * time.Second

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w gin.ResponseWriter
}

func newSSEWriter(c *gin.Context) *sseWriter {
	return &sseWriter{w: c.Writer}
}

func (s *sseWriter) event(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).Error("failed to marshal SSE payload")
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	s.w.Flush()
}

type queuedEvent struct {
	name    string
	payload any
}

// streamState translates upstream events into the Anthropic streaming event
// sequence, allocating content block indices as blocks open. In buffered
// mode every message event is held back until the input token count is
// known; pings bypass the queue.
type streamState struct {
	out           *sseWriter
	model         string
	inputEstimate int
	buffered      bool

	msgID     string
	started   bool
	queue     []queuedEvent
	nextIndex int
	textIndex int
	toolIndex map[string]int
	open      map[int]bool
}

func newStreamState(out *sseWriter, model string, inputEstimate int, buffered bool) *streamState {
	st := &streamState{
		out:           out,
		model:         model,
		inputEstimate: inputEstimate,
		buffered:      buffered,
		msgID:         claude.NewMessageID(),
		textIndex:     -1,
		toolIndex:     make(map[string]int),
		open:          make(map[int]bool),
	}
	if !buffered {
		st.start(inputEstimate)
	}
	return st
}

// start emits message_start and flushes anything queued behind it.
func (st *streamState) start(inputTokens int) {
	st.started = true
	st.out.event("message_start", gin.H{
		"type": "message_start",
		"message": gin.H{
			"id":            st.msgID,
			"type":          "message",
			"role":          "assistant",
			"model":         st.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": gin.H{
				"input_tokens":  inputTokens,
				"output_tokens": 1,
			},
		},
	})
	for _, e := range st.queue {
		st.out.event(e.name, e.payload)
	}
	st.queue = nil
}

func (st *streamState) emit(name string, payload any) {
	if !st.started {
		st.queue = append(st.queue, queuedEvent{name: name, payload: payload})
		return
	}
	st.out.event(name, payload)
}

// ping writes a heartbeat immediately, even while buffering.
func (st *streamState) ping() {
	st.out.event("ping", gin.H{"type": "ping"})
}

func (st *streamState) handle(ev eventstream.Event) {
	switch ev.Type {
	case eventstream.EventAssistantResponse:
		if ev.Content == "" {
			return
		}
		st.ensureTextBlock()
		st.emit("content_block_delta", gin.H{
			"type":  "content_block_delta",
			"index": st.textIndex,
			"delta": gin.H{"type": "text_delta", "text": ev.Content},
		})

	case eventstream.EventToolUse:
		idx, ok := st.toolIndex[ev.ToolUseID]
		if !ok {
			st.closeTextBlock()
			idx = st.nextIndex
			st.nextIndex++
			st.toolIndex[ev.ToolUseID] = idx
			st.open[idx] = true
			st.emit("content_block_start", gin.H{
				"type":  "content_block_start",
				"index": idx,
				"content_block": gin.H{
					"type":  "tool_use",
					"id":    ev.ToolUseID,
					"name":  ev.ToolName,
					"input": gin.H{},
				},
			})
		}
		if ev.Input != "" {
			st.emit("content_block_delta", gin.H{
				"type":  "content_block_delta",
				"index": idx,
				"delta": gin.H{"type": "input_json_delta", "partial_json": ev.Input},
			})
		}
		if ev.Stop {
			st.closeBlock(idx)
		}

	case eventstream.EventContextUsage:
		if st.buffered && !st.started {
			st.start(int(ev.InputTokens()))
		}
	}
}

// finish closes open blocks and emits message_delta plus message_stop.
func (st *streamState) finish(acc *claude.Accumulator) {
	if !st.started {
		st.start(acc.InputTokens(st.inputEstimate))
	}
	st.closeTextBlock()

	var stale []int
	for idx := range st.open {
		stale = append(stale, idx)
	}
	sort.Ints(stale)
	for _, idx := range stale {
		st.closeBlock(idx)
	}

	st.emit("message_delta", gin.H{
		"type": "message_delta",
		"delta": gin.H{
			"stop_reason":   acc.StopReason(),
			"stop_sequence": nil,
		},
		"usage": gin.H{"output_tokens": acc.OutputTokens()},
	})
	st.emit("message_stop", gin.H{"type": "message_stop"})
}

// fail surfaces a terminal stream error to the client.
func (st *streamState) fail(message string) {
	if !st.started {
		st.start(st.inputEstimate)
	}
	st.out.event("error", gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "api_error",
			"message": message,
		},
	})
}

func (st *streamState) ensureTextBlock() {
	if st.textIndex >= 0 {
		return
	}
	st.textIndex = st.nextIndex
	st.nextIndex++
	st.open[st.textIndex] = true
	st.emit("content_block_start", gin.H{
		"type":  "content_block_start",
		"index": st.textIndex,
		"content_block": gin.H{
			"type": "text",
			"text": "",
		},
	})
}

// closeTextBlock ends the current text block. Text arriving afterwards
// opens a fresh block at a new index.
func (st *streamState) closeTextBlock() {
	if st.textIndex < 0 {
		return
	}
	st.closeBlock(st.textIndex)
	st.textIndex = -1
}

func (st *streamState) closeBlock(idx int) {
	if !st.open[idx] {
		return
	}
	delete(st.open, idx)
	st.emit("content_block_stop", gin.H{"type": "content_block_stop", "index": idx})
}
