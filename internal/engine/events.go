package engine

// EventKind names one outbound event on the per-request stream.
type EventKind string

const (
	// KindText and KindReasoning are assistant output increments.
	KindText      EventKind = "text"
	KindReasoning EventKind = "reasoning"
	// KindToolBegin and KindToolEnd bracket one dispatched tool call so the
	// UI can render a detail marker.
	KindToolBegin EventKind = "tool_begin"
	KindToolEnd   EventKind = "tool_end"
	// KindDone terminates the stream with aggregate usage.
	KindDone EventKind = "done"
	// KindError terminates the stream on unrecoverable failure.
	KindError EventKind = "error"
)

// Event is one element of the per-request outbound stream. The loop and the
// dispatcher feed these into a single channel drained by the SSE writer.
type Event struct {
	Kind EventKind

	Text string // KindText, KindReasoning

	ToolID   string // KindToolBegin, KindToolEnd
	ToolName string
	Summary  string
	OK       bool // KindToolEnd

	Status RequestStatus // KindDone, KindError
	Usage  Usage         // KindDone
	Err    string        // KindError
}

// EmitFunc receives outbound events. Implementations must return promptly;
// the SSE writer flushes per event and JSON-mode collectors buffer in memory.
type EmitFunc func(Event)

// argSummary renders a short single-line preview of a tool call's arguments
// for detail markers.
func argSummary(call ToolCall) string {
	const maxLen = 120
	s := call.ArgsJSON
	if s == "" {
		s = "{}"
	}
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
