package engine

import (
	"context"
	"fmt"
	"strings"
)

// Role identifies the sender of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies one element of a message's content list.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one ordered element of message content. Text parts carry Text;
// image parts carry a URL (data URL or remote reference).
type Part struct {
	Type PartType
	Text string
	URL  string
}

// Message is the provider-agnostic conversation element. Assistant turns may
// carry ToolCalls; tool turns reference the call they answer via ToolCallID
// and carry the result as their text content.
type Message struct {
	Role       Role
	Parts      []Part
	ToolCalls  []ToolCall
	ToolCallID string
}

// Text builds a single-part text message.
func Text(role Role, content string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartText, Text: content}}}
}

// ToolResult builds the tool-role message answering one tool call.
func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Parts: []Part{{Type: PartText, Text: content}}}
}

// TextContent concatenates the text parts of the message.
func (m Message) TextContent() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Validate checks structural invariants before a message enters the history.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool messages must reference a tool call id")
	}
	if m.Role != RoleAssistant && len(m.ToolCalls) > 0 {
		return fmt.Errorf("tool calls are only valid on assistant messages")
	}
	return nil
}

// ToolCall is a structured request emitted by the model. Args holds the
// decoded arguments object; ArgsJSON preserves the raw text for digests and
// summaries. Error is set by an adapter when the call arrived malformed
// (truncated stream, undecodable arguments) so the loop can surface it to the
// model instead of dispatching.
type ToolCall struct {
	ID       string
	Name     string
	Args     map[string]any
	ArgsJSON string
	Error    string
}

// Usage holds normalized token accounting for one provider turn. Cached input
// tokens count tokens the provider served from its prompt cache; providers
// that do not report the field leave it zero.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
}

// Add accumulates another turn's usage into the receiver.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CachedInputTokens += other.CachedInputTokens
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Finish reasons normalized across providers.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishFilter    = "content_filter"
)

// StreamEventType enumerates the canonical adapter event algebra.
type StreamEventType string

const (
	// EventTextDelta carries one increment of assistant text.
	EventTextDelta StreamEventType = "text_delta"
	// EventReasoningDelta carries one increment of provider reasoning text.
	EventReasoningDelta StreamEventType = "reasoning_delta"
	// EventToolCall carries one fully assembled tool call. Adapters buffer
	// partial fragments and emit these only when the turn closes.
	EventToolCall StreamEventType = "tool_call"
	// EventTurnEnd closes the turn. Always the last event of a stream.
	EventTurnEnd StreamEventType = "turn_end"
)

// StreamEvent is one canonical event decoded from a provider stream.
type StreamEvent struct {
	Type         StreamEventType
	Text         string   // text_delta, reasoning_delta
	ToolCall     ToolCall // tool_call
	FinishReason string   // turn_end
	Usage        Usage    // turn_end
}

// ChatOptions carries the per-call knobs adapters forward upstream.
type ChatOptions struct {
	Temperature     float32
	MaxOutputTokens int
	Strict          bool // request strict tool schemas where the provider supports them
}

// ChatResponse is the non-streaming result of one chat call.
type ChatResponse struct {
	Message      Message
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
}

// ProviderClient is implemented by each upstream adapter. Stream returns the
// canonical event channel plus an error channel; on success the adapter sends
// a nil error (or simply closes), on failure a single non-nil error. Chat is
// the non-streaming flavor used by the summarizer and JSON-mode fallbacks.
type ProviderClient interface {
	Stream(ctx context.Context, model string, messages []Message, tools []ToolDefinition, opts ChatOptions) (<-chan StreamEvent, <-chan error)
	Chat(ctx context.Context, model string, messages []Message, tools []ToolDefinition, opts ChatOptions) (ChatResponse, error)
}

// ToolDefinition is the canonical tool description rendered into each
// provider's envelope. The parameter schema is shared verbatim across
// providers.
type ToolDefinition struct {
	Name        string
	Description string
	SchemaJSON  string
}

// RequestConfig carries the caller's per-request valves: feature switches
// plus every upstream credential and URL. Nothing here comes from the
// gateway's own environment.
type RequestConfig struct {
	Provider string `json:"provider,omitempty"`

	OpenAIAPIKey    string `json:"openai_api_key,omitempty"`
	OpenAIBaseURL   string `json:"openai_base_url,omitempty"`
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty"`
	OllamaBaseURL   string `json:"ollama_base_url,omitempty"`
	OllamaAPIKey    string `json:"ollama_api_key,omitempty"`

	DateTime   bool   `json:"date_time,omitempty"`
	Memory     bool   `json:"memory,omitempty"`
	Sandbox    bool   `json:"sandbox,omitempty"`
	FileRecall bool   `json:"file_recall,omitempty"`
	TenantID   string `json:"file_recall_tenant_id,omitempty"`

	SearchAPIKey    string `json:"search_api_key,omitempty"`
	ImageBackendURL string `json:"image_backend_url,omitempty"`

	SummaryModel string `json:"summary_model,omitempty"`
	Strict       bool   `json:"strict_tools,omitempty"`
}

// RequestContext is the per-request state threaded through the loop, the
// dispatcher, and every tool body.
type RequestContext struct {
	RequestID      string
	UserID         string
	ConversationID string
	Model          string
	Provider       string
	Config         RequestConfig
	Emit           EmitFunc
}

// EmitOut forwards an event to the streaming layer; a nil Emit is safe.
func (rc *RequestContext) EmitOut(ev Event) {
	if rc != nil && rc.Emit != nil {
		rc.Emit(ev)
	}
}

// RequestStatus is the terminal disposition of one chat request.
type RequestStatus string

const (
	StatusCompleted     RequestStatus = "completed"
	StatusTruncated     RequestStatus = "truncated"
	StatusCancelled     RequestStatus = "cancelled"
	StatusUpstreamError RequestStatus = "upstream_error"
)
