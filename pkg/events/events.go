// Package events defines the wire protocol for run progress streams: an
// append-only sequence of newline-delimited JSON frames, one per event,
// terminated by exactly one end or error frame.
package events

// Type identifies an event variant
type Type string

const (
	// TypeMessageChunk carries newly produced assistant text
	TypeMessageChunk Type = "message_chunk"
	// TypeToolStart announces a tool dispatch
	TypeToolStart Type = "tool_start"
	// TypeToolScreenshot carries a visual side-channel artifact
	TypeToolScreenshot Type = "tool_screenshot"
	// TypeToolComplete carries a tool's result
	TypeToolComplete Type = "tool_complete"
	// TypeEnd terminates a successful stream
	TypeEnd Type = "end"
	// TypeError terminates a failed stream
	TypeError Type = "error"
)

// Image is a base64-encoded visual artifact
type Image struct {
	MIME string `json:"mime"`
	Data string `json:"data"`
}

// MessageChunk is the payload for message_chunk events
type MessageChunk struct {
	Content string `json:"content"`
}

// ToolStart is the payload for tool_start events
type ToolStart struct {
	Tool   string         `json:"tool"`
	CallID string         `json:"call_id"`
	Params map[string]any `json:"params"`
}

// ToolScreenshot is the payload for tool_screenshot events
type ToolScreenshot struct {
	Tool  string `json:"tool"`
	Image Image  `json:"image"`
}

// ToolOutcome mirrors a tool result on the wire
type ToolOutcome struct {
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ToolComplete is the payload for tool_complete events
type ToolComplete struct {
	Tool   string      `json:"tool"`
	CallID string      `json:"call_id"`
	Result ToolOutcome `json:"result"`
}

// ErrorInfo is the payload for error events
type ErrorInfo struct {
	Message string `json:"message"`
}

// Event is one tagged-union stream event
type Event struct {
	Type Type
	Data any
}

// NewMessageChunk builds a message_chunk event
func NewMessageChunk(content string) Event {
	return Event{Type: TypeMessageChunk, Data: MessageChunk{Content: content}}
}

// NewToolStart builds a tool_start event. A nil params map renders as {}.
func NewToolStart(tool, callID string, params map[string]any) Event {
	if params == nil {
		params = map[string]any{}
	}
	return Event{Type: TypeToolStart, Data: ToolStart{Tool: tool, CallID: callID, Params: params}}
}

// NewToolScreenshot builds a tool_screenshot event
func NewToolScreenshot(tool string, img Image) Event {
	return Event{Type: TypeToolScreenshot, Data: ToolScreenshot{Tool: tool, Image: img}}
}

// NewToolComplete builds a tool_complete event
func NewToolComplete(tool, callID string, outcome ToolOutcome) Event {
	return Event{Type: TypeToolComplete, Data: ToolComplete{Tool: tool, CallID: callID, Result: outcome}}
}

// NewEnd builds the normal terminal event
func NewEnd() Event {
	return Event{Type: TypeEnd, Data: struct{}{}}
}

// NewError builds the failure terminal event
func NewError(message string) Event {
	return Event{Type: TypeError, Data: ErrorInfo{Message: message}}
}

// Terminal reports whether the event closes the stream
func (e Event) Terminal() bool {
	return e.Type == TypeEnd || e.Type == TypeError
}
