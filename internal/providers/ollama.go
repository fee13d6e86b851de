// Package providers implements the upstream adapters. Each adapter converts
// canonical messages and tool definitions into one provider's wire format and
// decodes the provider's stream back into the canonical event algebra: text
// and reasoning deltas as they arrive, assembled tool calls at turn close,
// one turn-end event last.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// DefaultOllamaBaseURL is used when the request carries no ollama_base_url
// valve.
const DefaultOllamaBaseURL = "http://localhost:11434/v1"

// OllamaClient speaks the OpenAI-compatible Chat Completions surface that
// Ollama and similar local runtimes expose. Tool definitions go out in the
// legacy nested envelope; this surface accepts no other shape. The envelope
// carries no reasoning or cached-token fields, so this adapter never emits
// reasoning deltas and always reports zero cached input tokens.
type OllamaClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOllamaClient creates a client against an OpenAI-compatible endpoint.
// Local runtimes ignore the API key but the protocol requires one.
func NewOllamaClient(apiKey, baseURL string) *OllamaClient {
	if apiKey == "" {
		apiKey = "ollama"
	}
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL

	return &OllamaClient{
		client: openai.NewClientWithConfig(config),
		logger: slog.Default().With("component", "providers.ollama"),
	}
}

// Chat implements engine.ProviderClient.Chat.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []engine.Message, tools []engine.ToolDefinition, opts engine.ChatOptions) (engine.ChatResponse, error) {
	req, err := c.buildRequest(model, messages, tools, opts, false)
	if err != nil {
		return engine.ChatResponse{}, err
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return engine.ChatResponse{}, engine.WrapUpstreamError(engine.ProviderOllama, err, extractHTTPStatus(err))
	}
	if len(resp.Choices) == 0 {
		return engine.ChatResponse{}, fmt.Errorf("empty response from %s", req.Model)
	}

	choice := resp.Choices[0]

	assistant := engine.Message{Role: engine.RoleAssistant}
	if choice.Message.Content != "" {
		assistant.Parts = []engine.Part{{Type: engine.PartText, Text: choice.Message.Content}}
	}

	var calls []engine.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, decodeToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	assistant.ToolCalls = calls

	finish := engine.FinishStop
	switch {
	case len(calls) > 0:
		finish = engine.FinishToolCalls
	case choice.FinishReason == openai.FinishReasonLength:
		finish = engine.FinishLength
	case choice.FinishReason == openai.FinishReasonContentFilter:
		finish = engine.FinishFilter
	}

	return engine.ChatResponse{
		Message:      assistant,
		ToolCalls:    calls,
		Usage:        engine.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
		FinishReason: finish,
	}, nil
}

// Stream implements engine.ProviderClient.Stream.
func (c *OllamaClient) Stream(ctx context.Context, model string, messages []engine.Message, tools []engine.ToolDefinition, opts engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	events := make(chan engine.StreamEvent, 10)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		req, err := c.buildRequest(model, messages, tools, opts, true)
		if err != nil {
			errs <- err
			return
		}

		stream, err := c.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			errs <- engine.WrapUpstreamError(engine.ProviderOllama, err, extractHTTPStatus(err))
			return
		}
		defer stream.Close()

		// Tool call fragments arrive keyed by index; the id and name show
		// up on the first fragment, argument JSON accumulates across the
		// rest. Nothing is emitted until the turn closes.
		accums := make(map[int]*callAccumulator)
		var usage engine.Usage
		finish := engine.FinishStop

		for {
			response, err := stream.Recv()
			if err != nil {
				if !isStreamEOF(err) {
					errs <- engine.WrapUpstreamError(engine.ProviderOllama, err, extractHTTPStatus(err))
					return
				}
				break
			}

			// The final chunk carries usage and no choices when
			// stream_options.include_usage is set.
			if response.Usage != nil {
				usage = engine.Usage{
					InputTokens:  response.Usage.PromptTokens,
					OutputTokens: response.Usage.CompletionTokens,
				}
			}
			if len(response.Choices) == 0 {
				continue
			}
			choice := response.Choices[0]

			if choice.Delta.Content != "" {
				if !send(ctx, events, engine.StreamEvent{Type: engine.EventTextDelta, Text: choice.Delta.Content}) {
					return
				}
			}

			for _, d := range choice.Delta.ToolCalls {
				idx := len(accums)
				if d.Index != nil {
					idx = *d.Index
				} else if d.ID == "" && d.Function.Name == "" && d.Function.Arguments != "" && len(accums) > 0 {
					// Continuation fragment without an index: attach to
					// the most recent call.
					idx = len(accums) - 1
				}
				acc, ok := accums[idx]
				if !ok {
					acc = &callAccumulator{}
					accums[idx] = acc
				}
				if d.ID != "" {
					acc.id = d.ID
				}
				if d.Function.Name != "" {
					acc.name = d.Function.Name
				}
				acc.args.WriteString(d.Function.Arguments)
			}

			switch choice.FinishReason {
			case openai.FinishReasonLength:
				finish = engine.FinishLength
			case openai.FinishReasonContentFilter:
				finish = engine.FinishFilter
			}
		}

		calls := assembleCalls(accums)
		if len(calls) > 0 {
			finish = engine.FinishToolCalls
		}
		for _, call := range calls {
			if call.Error != "" {
				c.logger.Warn("tool call arrived malformed", "tool", call.Name, "error", call.Error)
			}
			if !send(ctx, events, engine.StreamEvent{Type: engine.EventToolCall, ToolCall: call}) {
				return
			}
		}
		if !send(ctx, events, engine.StreamEvent{Type: engine.EventTurnEnd, FinishReason: finish, Usage: usage}) {
			return
		}
		errs <- nil
	}()

	return events, errs
}

func (c *OllamaClient) buildRequest(model string, messages []engine.Message, defs []engine.ToolDefinition, opts engine.ChatOptions, stream bool) (openai.ChatCompletionRequest, error) {
	tools, err := chatTools(defs)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: chatMessages(messages),
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	if opts.MaxOutputTokens > 0 {
		req.MaxTokens = opts.MaxOutputTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}
	if stream {
		req.Stream = true
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req, nil
}

// chatMessages converts canonical history into Chat Completions messages.
// Tool results are only valid directly after an assistant message that
// carried tool calls; anything else is dropped rather than sent upstream to
// fail the whole request.
func chatMessages(messages []engine.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	var prevAssistantHadToolCalls bool

	for i, msg := range messages {
		switch msg.Role {
		case engine.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.TextContent(),
			})
			prevAssistantHadToolCalls = false
		case engine.RoleUser:
			out = append(out, userChatMessage(msg))
			prevAssistantHadToolCalls = false
		case engine.RoleAssistant:
			// An empty string would serialize as null and be rejected.
			content := msg.TextContent()
			if content == "" {
				content = " "
			}
			var calls []openai.ToolCall
			for _, tc := range msg.ToolCalls {
				calls = append(calls, openai.ToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: callArguments(tc),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content,
				ToolCalls: calls,
			})
			prevAssistantHadToolCalls = len(msg.ToolCalls) > 0
		case engine.RoleTool:
			if !prevAssistantHadToolCalls {
				continue
			}
			content := msg.TextContent()
			if content == "" {
				content = "{}"
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: msg.ToolCallID,
				Content:    content,
			})
			if i+1 < len(messages) && messages[i+1].Role == engine.RoleAssistant {
				prevAssistantHadToolCalls = false
			}
		}
	}
	return out
}

func userChatMessage(msg engine.Message) openai.ChatCompletionMessage {
	hasImage := false
	for _, p := range msg.Parts {
		if p.Type == engine.PartImage {
			hasImage = true
		}
	}
	if !hasImage {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: msg.TextContent(),
		}
	}

	parts := make([]openai.ChatMessagePart, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case engine.PartText:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		case engine.PartImage:
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.URL},
			})
		}
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

// chatTools renders definitions into the legacy nested function envelope.
func chatTools(defs []engine.ToolDefinition) ([]openai.Tool, error) {
	var tools []openai.Tool
	for _, def := range defs {
		var schemaObj map[string]any
		if err := json.Unmarshal([]byte(def.SchemaJSON), &schemaObj); err != nil {
			return nil, fmt.Errorf("invalid tool schema JSON for %s: %w", def.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schemaObj,
			},
		})
	}
	return tools, nil
}

func callArguments(tc engine.ToolCall) string {
	if tc.ArgsJSON != "" {
		return tc.ArgsJSON
	}
	if len(tc.Args) == 0 {
		return "{}"
	}
	argsJSON, _ := json.Marshal(tc.Args)
	return string(argsJSON)
}

// callAccumulator gathers one streamed tool call's fragments.
type callAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// assembleCalls finalizes accumulated calls in index order. Calls with no
// name are dropped; undecodable arguments mark the call as malformed so the
// dispatcher can surface the problem to the model.
func assembleCalls(accums map[int]*callAccumulator) []engine.ToolCall {
	indexes := make([]int, 0, len(accums))
	for idx := range accums {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var calls []engine.ToolCall
	for _, idx := range indexes {
		acc := accums[idx]
		if acc.name == "" {
			continue
		}
		id := acc.id
		if id == "" {
			// Ollama omits ids; synthesize stable ones for result pairing.
			id = fmt.Sprintf("call_%d", idx)
		}
		calls = append(calls, decodeToolCall(id, acc.name, acc.args.String()))
	}
	return calls
}

// decodeToolCall parses argument JSON, marking the call malformed instead of
// failing when the JSON does not parse.
func decodeToolCall(id, name, argsJSON string) engine.ToolCall {
	call := engine.ToolCall{
		ID:       id,
		Name:     name,
		Args:     map[string]any{},
		ArgsJSON: argsJSON,
	}
	if argsJSON == "" {
		return call
	}
	if err := json.Unmarshal([]byte(argsJSON), &call.Args); err != nil {
		call.Args = map[string]any{}
		trimmed := strings.TrimSpace(argsJSON)
		if !strings.HasSuffix(trimmed, "}") && !strings.HasSuffix(trimmed, "]") {
			call.Error = fmt.Sprintf("arguments truncated after %d bytes, stream ended prematurely", len(argsJSON))
		} else {
			call.Error = fmt.Sprintf("invalid JSON in arguments: %v", err)
		}
	}
	return call
}

func isStreamEOF(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "EOF") || strings.Contains(errStr, "end of file")
}

// send delivers one event unless the request is cancelled first.
func send(ctx context.Context, ch chan<- engine.StreamEvent, ev engine.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
