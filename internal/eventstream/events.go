package eventstream

import (
	"github.com/tidwall/gjson"
)

// contextWindowSize is the upstream model context window used to convert a
// context usage percentage into an absolute input token count.
const contextWindowSize = 200000

// Logical event names carried in the ":event-type" header.
const (
	EventAssistantResponse = "assistantResponseEvent"
	EventToolUse           = "toolUseEvent"
	EventContextUsage      = "contextUsageEvent"
	EventException         = "exceptionEvent"
)

// ExceptionContentLengthExceeded is the upstream exception raised when the
// response hit the length ceiling; it maps to stop_reason "max_tokens".
const ExceptionContentLengthExceeded = "ContentLengthExceededException"

// Event is a decoded logical event from the upstream stream.
type Event struct {
	// Type is one of the Event* constants, or the raw event type for
	// events this gateway does not interpret.
	Type string

	// Content is the text delta for assistantResponseEvent.
	Content string

	// Tool use fields for toolUseEvent. Input carries one fragment of the
	// JSON-encoded tool input; fragments accumulate until Stop.
	ToolUseID string
	ToolName  string
	Input     string
	Stop      bool

	// Percentage is the context usage for contextUsageEvent.
	Percentage float64

	// Exception fields for exceptionEvent and exception message types.
	ExceptionType    string
	ExceptionMessage string
	ExceptionReason  string
}

// InputTokens converts a context usage percentage to input tokens.
func (e *Event) InputTokens() int64 {
	return int64(e.Percentage * contextWindowSize / 100.0)
}

// IsContentLengthExceeded reports whether this exception should surface as
// stop_reason "max_tokens" rather than an error.
func (e *Event) IsContentLengthExceeded() bool {
	return e.Type == EventException && e.ExceptionType == ExceptionContentLengthExceeded
}

// ParseFrame interprets a decoded frame as a logical event. The upstream
// wraps exceptions either in an exceptionEvent or in a frame whose
// ":message-type" is "exception" with the ":exception-type" header set.
func ParseFrame(frame *Frame) Event {
	payload := string(frame.Payload)

	if frame.MessageType() == "exception" {
		return Event{
			Type:             EventException,
			ExceptionType:    frame.Headers[":exception-type"],
			ExceptionMessage: gjson.Get(payload, "message").String(),
			ExceptionReason:  gjson.Get(payload, "reason").String(),
		}
	}

	eventType := frame.EventType()
	switch eventType {
	case EventAssistantResponse:
		return Event{
			Type:    EventAssistantResponse,
			Content: gjson.Get(payload, "content").String(),
		}
	case EventToolUse:
		return Event{
			Type:      EventToolUse,
			ToolUseID: gjson.Get(payload, "toolUseId").String(),
			ToolName:  gjson.Get(payload, "name").String(),
			Input:     gjson.Get(payload, "input").String(),
			Stop:      gjson.Get(payload, "stop").Bool(),
		}
	case EventContextUsage:
		return Event{
			Type:       EventContextUsage,
			Percentage: gjson.Get(payload, "contextUsagePercentage").Float(),
		}
	case EventException:
		excType := gjson.Get(payload, "type").String()
		if excType == "" {
			excType = gjson.Get(payload, "__type").String()
		}
		return Event{
			Type:             EventException,
			ExceptionType:    excType,
			ExceptionMessage: gjson.Get(payload, "message").String(),
			ExceptionReason:  gjson.Get(payload, "reason").String(),
		}
	default:
		return Event{Type: eventType}
	}
}
