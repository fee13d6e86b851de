package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// DefaultOpenAIBaseURL is used when the request carries no openai_base_url
// valve.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// ResponsesClient speaks the OpenAI Responses API over plain HTTP. The SDKs
// in use elsewhere cover only Chat Completions, so this adapter owns its wire
// structs and SSE parsing. Tool definitions go out in the flat Responses
// shape; requests are stateless (store=false) because the gateway keeps its
// own history.
type ResponsesClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewResponsesClient creates a Responses API client. baseURL defaults to the
// OpenAI endpoint; no client timeout is set because streams outlive any fixed
// deadline, cancellation comes from the request context.
func NewResponsesClient(apiKey, baseURL string) *ResponsesClient {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &ResponsesClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     slog.Default().With("component", "providers.openai"),
	}
}

type responsesRequest struct {
	Model           string            `json:"model"`
	Input           []responseItem    `json:"input"`
	Tools           []json.RawMessage `json:"tools,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty"`
	Temperature     *float32          `json:"temperature,omitempty"`
	Reasoning       *reasoningConfig  `json:"reasoning,omitempty"`
	Store           bool              `json:"store"`
}

type reasoningConfig struct {
	Summary string `json:"summary,omitempty"`
}

// responseItem covers every input item kind this adapter sends: messages,
// function_call echoes, and function_call_output results.
type responseItem struct {
	Type      string            `json:"type,omitempty"`
	Role      string            `json:"role,omitempty"`
	Content   []responseContent `json:"content,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Arguments string            `json:"arguments,omitempty"`
	Output    string            `json:"output,omitempty"`
}

type responseContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesResponse struct {
	ID                string               `json:"id"`
	Status            string               `json:"status"`
	Output            []responseOutputItem `json:"output"`
	Usage             *responsesUsage      `json:"usage"`
	Error             *responsesError      `json:"error"`
	IncompleteDetails *incompleteDetails   `json:"incomplete_details"`
}

type responseOutputItem struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	Role      string            `json:"role,omitempty"`
	Content   []responseContent `json:"content,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Arguments string            `json:"arguments,omitempty"`
}

type responsesUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	TotalTokens        int `json:"total_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

func (u *responsesUsage) toEngine() engine.Usage {
	if u == nil {
		return engine.Usage{}
	}
	// input_tokens is a total that already counts the cached portion; split
	// it so InputTokens means fresh input only.
	fresh := u.InputTokens - u.InputTokensDetails.CachedTokens
	if fresh < 0 {
		fresh = 0
	}
	return engine.Usage{
		InputTokens:       fresh,
		OutputTokens:      u.OutputTokens,
		CachedInputTokens: u.InputTokensDetails.CachedTokens,
	}
}

type responsesError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type incompleteDetails struct {
	Reason string `json:"reason"`
}

// responsesStreamEvent is the union of the SSE payloads this adapter reads.
// Every data line carries its own type field, so the event: lines are not
// needed for dispatch.
type responsesStreamEvent struct {
	Type      string              `json:"type"`
	Delta     string              `json:"delta,omitempty"`
	ItemID    string              `json:"item_id,omitempty"`
	Arguments string              `json:"arguments,omitempty"`
	Item      *responseOutputItem `json:"item,omitempty"`
	Response  *responsesResponse  `json:"response,omitempty"`
	Message   string              `json:"message,omitempty"`
}

// Chat implements engine.ProviderClient.Chat.
func (c *ResponsesClient) Chat(ctx context.Context, model string, messages []engine.Message, tools []engine.ToolDefinition, opts engine.ChatOptions) (engine.ChatResponse, error) {
	reqBody, err := c.buildRequest(model, messages, tools, opts, false)
	if err != nil {
		return engine.ChatResponse{}, err
	}
	resp, err := c.do(ctx, reqBody)
	if err != nil {
		return engine.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var parsed responsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return engine.ChatResponse{}, engine.WrapUpstreamError(engine.ProviderOpenAI, fmt.Errorf("decode response: %w", err), 0)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return engine.ChatResponse{}, engine.WrapUpstreamError(engine.ProviderOpenAI, fmt.Errorf("responses API error: %s", parsed.Error.Message), 0)
	}

	var text strings.Builder
	var calls []engine.ToolCall
	for _, item := range parsed.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" {
					text.WriteString(part.Text)
				}
			}
		case "function_call":
			if item.Name != "" {
				calls = append(calls, decodeToolCall(item.CallID, item.Name, item.Arguments))
			}
		}
	}

	assistant := engine.Message{Role: engine.RoleAssistant}
	if text.Len() > 0 {
		assistant.Parts = []engine.Part{{Type: engine.PartText, Text: text.String()}}
	}
	assistant.ToolCalls = calls

	return engine.ChatResponse{
		Message:      assistant,
		ToolCalls:    calls,
		Usage:        parsed.Usage.toEngine(),
		FinishReason: responsesFinish(len(calls), &parsed),
	}, nil
}

// Stream implements engine.ProviderClient.Stream.
func (c *ResponsesClient) Stream(ctx context.Context, model string, messages []engine.Message, tools []engine.ToolDefinition, opts engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	events := make(chan engine.StreamEvent, 10)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		reqBody, err := c.buildRequest(model, messages, tools, opts, true)
		if err != nil {
			errs <- err
			return
		}
		resp, err := c.do(ctx, reqBody)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		// Function calls announce themselves in output_item.added, stream
		// argument fragments keyed by item id, and finalize in
		// function_call_arguments.done. Assembly happens after the read
		// loop so call events always follow the last delta.
		type pendingCall struct {
			callID string
			name   string
			args   strings.Builder
			final  bool
		}
		var order []string
		pending := make(map[string]*pendingCall)
		var terminal *responsesResponse

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if ctx.Err() != nil {
					errs <- ctx.Err()
					return
				}
				errs <- engine.WrapUpstreamError(engine.ProviderOpenAI, err, 0)
				return
			}

			lineStr := strings.TrimSpace(string(line))
			if !strings.HasPrefix(lineStr, "data: ") {
				continue
			}
			data := strings.TrimPrefix(lineStr, "data: ")
			if data == "[DONE]" {
				break
			}

			var ev responsesStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				c.logger.Warn("skipping undecodable stream event", "error", err)
				continue
			}

			switch ev.Type {
			case "response.output_text.delta":
				if ev.Delta == "" {
					continue
				}
				if !send(ctx, events, engine.StreamEvent{Type: engine.EventTextDelta, Text: ev.Delta}) {
					return
				}
			case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
				if ev.Delta == "" {
					continue
				}
				if !send(ctx, events, engine.StreamEvent{Type: engine.EventReasoningDelta, Text: ev.Delta}) {
					return
				}
			case "response.output_item.added":
				if ev.Item == nil || ev.Item.Type != "function_call" || ev.Item.ID == "" {
					continue
				}
				if _, ok := pending[ev.Item.ID]; !ok {
					pending[ev.Item.ID] = &pendingCall{callID: ev.Item.CallID, name: ev.Item.Name}
					order = append(order, ev.Item.ID)
				}
			case "response.function_call_arguments.delta":
				if p, ok := pending[ev.ItemID]; ok && !p.final {
					p.args.WriteString(ev.Delta)
				}
			case "response.function_call_arguments.done":
				if p, ok := pending[ev.ItemID]; ok && ev.Arguments != "" {
					p.args.Reset()
					p.args.WriteString(ev.Arguments)
					p.final = true
				}
			case "response.output_item.done":
				if ev.Item == nil || ev.Item.Type != "function_call" {
					continue
				}
				if p, ok := pending[ev.Item.ID]; ok {
					if p.callID == "" {
						p.callID = ev.Item.CallID
					}
					if p.name == "" {
						p.name = ev.Item.Name
					}
					if !p.final && ev.Item.Arguments != "" {
						p.args.Reset()
						p.args.WriteString(ev.Item.Arguments)
						p.final = true
					}
				}
			case "response.completed", "response.incomplete", "response.failed":
				terminal = ev.Response
			case "error":
				msg := ev.Message
				if msg == "" {
					msg = data
				}
				errs <- engine.WrapUpstreamError(engine.ProviderOpenAI, fmt.Errorf("responses stream error: %s", msg), 0)
				return
			}
		}

		if terminal != nil && terminal.Error != nil && terminal.Error.Message != "" {
			errs <- engine.WrapUpstreamError(engine.ProviderOpenAI, fmt.Errorf("responses API error: %s", terminal.Error.Message), 0)
			return
		}

		calls := make([]engine.ToolCall, 0, len(order))
		for _, id := range order {
			p := pending[id]
			if p.name == "" {
				continue
			}
			callID := p.callID
			if callID == "" {
				callID = id
			}
			calls = append(calls, decodeToolCall(callID, p.name, p.args.String()))
		}

		for _, call := range calls {
			if call.Error != "" {
				c.logger.Warn("tool call arrived malformed", "tool", call.Name, "error", call.Error)
			}
			if !send(ctx, events, engine.StreamEvent{Type: engine.EventToolCall, ToolCall: call}) {
				return
			}
		}
		end := engine.StreamEvent{
			Type:         engine.EventTurnEnd,
			FinishReason: responsesFinish(len(calls), terminal),
			Usage:        engine.Usage{},
		}
		if terminal != nil {
			end.Usage = terminal.Usage.toEngine()
		}
		if !send(ctx, events, end) {
			return
		}
		errs <- nil
	}()

	return events, errs
}

func (c *ResponsesClient) buildRequest(model string, messages []engine.Message, defs []engine.ToolDefinition, opts engine.ChatOptions, stream bool) (responsesRequest, error) {
	tools, err := engine.RenderTools(engine.ProviderOpenAI, defs, opts.Strict)
	if err != nil {
		return responsesRequest{}, err
	}

	req := responsesRequest{
		Model: model,
		Input: responsesInput(messages),
	}
	if len(tools) > 0 {
		req.Tools = tools
	}
	if opts.MaxOutputTokens > 0 {
		req.MaxOutputTokens = opts.MaxOutputTokens
	}
	// Reasoning models reject sampling parameters; everything else gets the
	// temperature, and reasoning models get summaries so thinking streams.
	if isReasoningModel(model) {
		req.Reasoning = &reasoningConfig{Summary: "auto"}
	} else if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}
	if stream {
		req.Stream = true
	}
	return req, nil
}

func (c *ResponsesClient) do(ctx context.Context, reqBody responsesRequest) (*http.Response, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode responses request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build responses request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if reqBody.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, engine.WrapUpstreamError(engine.ProviderOpenAI, err, 0)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, engine.WrapUpstreamError(engine.ProviderOpenAI, responsesAPIError(resp.StatusCode, data), resp.StatusCode)
	}
	return resp, nil
}

func responsesAPIError(status int, body []byte) error {
	var payload struct {
		Error *responsesError `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != nil && payload.Error.Message != "" {
		return fmt.Errorf("responses API returned %d: %s", status, payload.Error.Message)
	}
	return fmt.Errorf("responses API returned %d: %s", status, strings.TrimSpace(string(body)))
}

// responsesInput converts canonical history into Responses API input items.
// Assistant tool calls become function_call items and tool results become
// function_call_output items so the model sees its own call history.
func responsesInput(messages []engine.Message) []responseItem {
	var items []responseItem
	for _, msg := range messages {
		switch msg.Role {
		case engine.RoleSystem:
			items = append(items, responseItem{
				Type:    "message",
				Role:    "system",
				Content: []responseContent{{Type: "input_text", Text: msg.TextContent()}},
			})
		case engine.RoleUser:
			var content []responseContent
			for _, p := range msg.Parts {
				switch p.Type {
				case engine.PartText:
					content = append(content, responseContent{Type: "input_text", Text: p.Text})
				case engine.PartImage:
					content = append(content, responseContent{Type: "input_image", ImageURL: p.URL})
				}
			}
			if len(content) == 0 {
				content = []responseContent{{Type: "input_text", Text: ""}}
			}
			items = append(items, responseItem{Type: "message", Role: "user", Content: content})
		case engine.RoleAssistant:
			if text := msg.TextContent(); text != "" && text != " " {
				items = append(items, responseItem{
					Type:    "message",
					Role:    "assistant",
					Content: []responseContent{{Type: "output_text", Text: text}},
				})
			}
			for _, tc := range msg.ToolCalls {
				items = append(items, responseItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: callArguments(tc),
				})
			}
		case engine.RoleTool:
			output := msg.TextContent()
			if output == "" {
				output = "{}"
			}
			items = append(items, responseItem{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: output,
			})
		}
	}
	return items
}

func responsesFinish(callCount int, resp *responsesResponse) string {
	if callCount > 0 {
		return engine.FinishToolCalls
	}
	if resp != nil && resp.Status == "incomplete" && resp.IncompleteDetails != nil {
		switch resp.IncompleteDetails.Reason {
		case "max_output_tokens":
			return engine.FinishLength
		case "content_filter":
			return engine.FinishFilter
		}
	}
	return engine.FinishStop
}

// isReasoningModel reports whether the model only accepts reasoning-style
// parameters.
func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}
