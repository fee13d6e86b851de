package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// DefaultAnthropicMaxTokens applies when neither the request options nor the
// server configuration set an output limit. The Messages API requires one.
const DefaultAnthropicMaxTokens = 4096

// AnthropicClient adapts the Anthropic Messages API to engine.ProviderClient.
// The SDK streams through callbacks; the adapter collects tool-use blocks as
// they complete and replays them on the event channel after the stream
// closes, so assembled calls always follow the last text delta.
type AnthropicClient struct {
	client    *anthropic.Client
	maxTokens int
	logger    *slog.Logger
}

// NewAnthropicClient creates a Messages API client. maxTokens is the output
// ceiling used when a request does not set its own.
func NewAnthropicClient(apiKey string, maxTokens int) *AnthropicClient {
	if maxTokens <= 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(apiKey),
		maxTokens: maxTokens,
		logger:    slog.Default().With("component", "providers.anthropic"),
	}
}

// Chat implements engine.ProviderClient.Chat.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []engine.Message, tools []engine.ToolDefinition, opts engine.ChatOptions) (engine.ChatResponse, error) {
	req, err := c.buildRequest(model, messages, tools, opts)
	if err != nil {
		return engine.ChatResponse{}, err
	}

	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		return engine.ChatResponse{}, engine.WrapUpstreamError(engine.ProviderAnthropic, err, extractHTTPStatus(err))
	}

	var text strings.Builder
	var calls []engine.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.MessagesContentTypeText:
			if block.Text != nil {
				text.WriteString(*block.Text)
			}
		case "tool_use":
			if block.MessageContentToolUse != nil && block.ID != "" && block.Name != "" {
				calls = append(calls, decodeToolCall(block.ID, block.Name, string(block.Input)))
			}
		}
	}

	assistant := engine.Message{Role: engine.RoleAssistant}
	if text.Len() > 0 {
		assistant.Parts = []engine.Part{{Type: engine.PartText, Text: text.String()}}
	}
	assistant.ToolCalls = calls

	usage := engine.Usage{
		InputTokens:       resp.Usage.InputTokens,
		OutputTokens:      resp.Usage.OutputTokens,
		CachedInputTokens: resp.Usage.CacheReadInputTokens,
	}
	return engine.ChatResponse{
		Message:      assistant,
		ToolCalls:    calls,
		Usage:        usage,
		FinishReason: anthropicFinish(len(calls), string(resp.StopReason)),
	}, nil
}

// Stream implements engine.ProviderClient.Stream.
func (c *AnthropicClient) Stream(ctx context.Context, model string, messages []engine.Message, tools []engine.ToolDefinition, opts engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	events := make(chan engine.StreamEvent, 10)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		base, err := c.buildRequest(model, messages, tools, opts)
		if err != nil {
			errs <- err
			return
		}
		req := anthropic.MessagesStreamRequest{MessagesRequest: base}

		// Tool-use blocks complete mid-stream but are held back until the
		// stream closes so text deltas never interleave with call events.
		var calls []engine.ToolCall
		var streamErr error

		req.OnError = func(errResp anthropic.ErrorResponse) {
			streamErr = fmt.Errorf("anthropic stream error: %s", errResp.Error.Message)
		}
		req.OnContentBlockDelta = func(delta anthropic.MessagesEventContentBlockDeltaData) {
			switch {
			case delta.Delta.Type == "text_delta" && delta.Delta.Text != nil:
				send(ctx, events, engine.StreamEvent{Type: engine.EventTextDelta, Text: *delta.Delta.Text})
			case delta.Delta.Type == "thinking_delta" && delta.Delta.MessageContentThinking != nil:
				send(ctx, events, engine.StreamEvent{Type: engine.EventReasoningDelta, Text: delta.Delta.Thinking})
			}
		}
		req.OnContentBlockStop = func(_ anthropic.MessagesEventContentBlockStopData, content anthropic.MessageContent) {
			if content.Type != "tool_use" || content.MessageContentToolUse == nil {
				return
			}
			tc := content.MessageContentToolUse
			if tc.Name == "" {
				return
			}
			calls = append(calls, decodeToolCall(tc.ID, tc.Name, string(tc.Input)))
		}

		resp, err := c.client.CreateMessagesStream(ctx, req)
		if err != nil {
			errs <- engine.WrapUpstreamError(engine.ProviderAnthropic, err, extractHTTPStatus(err))
			return
		}
		if streamErr != nil {
			errs <- engine.WrapUpstreamError(engine.ProviderAnthropic, streamErr, 0)
			return
		}

		for _, call := range calls {
			if !send(ctx, events, engine.StreamEvent{Type: engine.EventToolCall, ToolCall: call}) {
				return
			}
		}
		end := engine.StreamEvent{
			Type:         engine.EventTurnEnd,
			FinishReason: anthropicFinish(len(calls), string(resp.StopReason)),
			Usage: engine.Usage{
				InputTokens:       resp.Usage.InputTokens,
				OutputTokens:      resp.Usage.OutputTokens,
				CachedInputTokens: resp.Usage.CacheReadInputTokens,
			},
		}
		if !send(ctx, events, end) {
			return
		}
		errs <- nil
	}()

	return events, errs
}

func (c *AnthropicClient) buildRequest(model string, messages []engine.Message, defs []engine.ToolDefinition, opts engine.ChatOptions) (anthropic.MessagesRequest, error) {
	systemParts, anthropicMsgs := anthropicMessages(messages)

	toolDefs, err := anthropicTools(defs)
	if err != nil {
		return anthropic.MessagesRequest{}, err
	}

	maxTokens := c.maxTokens
	if opts.MaxOutputTokens > 0 {
		maxTokens = opts.MaxOutputTokens
	}
	temperature := float32(0.1)
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}

	req := anthropic.MessagesRequest{
		Model:       anthropic.Model(model),
		Messages:    anthropicMsgs,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}
	if len(systemParts) > 0 {
		req.MultiSystem = systemParts
	}
	if len(toolDefs) > 0 {
		req.Tools = toolDefs
	}
	return req, nil
}

// anthropicMessages converts canonical history into Messages API form.
// System messages collect into multi-part system text. Tool results become
// tool_result blocks inside user messages and are only valid directly after
// an assistant message with tool_use blocks; strays are dropped. Image parts
// are not forwarded on this path.
func anthropicMessages(messages []engine.Message) ([]anthropic.MessageSystemPart, []anthropic.Message) {
	var systemParts []anthropic.MessageSystemPart
	var out []anthropic.Message
	var prevAssistantHadToolCalls bool

	for i, msg := range messages {
		switch msg.Role {
		case engine.RoleSystem:
			systemParts = append(systemParts, anthropic.MessageSystemPart{
				Type: "text",
				Text: msg.TextContent(),
			})
			prevAssistantHadToolCalls = false
		case engine.RoleUser:
			out = append(out, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.TextContent())},
			})
			prevAssistantHadToolCalls = false
		case engine.RoleAssistant:
			var content []anthropic.MessageContent
			text := msg.TextContent()
			// " " is the placeholder other surfaces require for empty
			// assistant content; the Messages API rejects whitespace blocks.
			if text != "" && text != " " {
				content = append(content, anthropic.NewTextMessageContent(text))
			}
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				content = append(content, anthropic.NewToolUseMessageContent(tc.ID, tc.Name, json.RawMessage(argsJSON)))
			}
			out = append(out, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: content,
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
			isError := strings.HasPrefix(content, "ERROR: ")
			out = append(out, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewToolResultMessageContent(msg.ToolCallID, content, isError)},
			})
			if i+1 < len(messages) && messages[i+1].Role == engine.RoleAssistant {
				prevAssistantHadToolCalls = false
			}
		}
	}
	return systemParts, out
}

func anthropicTools(defs []engine.ToolDefinition) ([]anthropic.ToolDefinition, error) {
	var toolDefs []anthropic.ToolDefinition
	for _, def := range defs {
		var schemaObj map[string]any
		if err := json.Unmarshal([]byte(def.SchemaJSON), &schemaObj); err != nil {
			return nil, fmt.Errorf("invalid tool schema JSON for %s: %w", def.Name, err)
		}
		toolDefs = append(toolDefs, anthropic.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schemaObj,
		})
	}
	return toolDefs, nil
}

func anthropicFinish(callCount int, stopReason string) string {
	switch {
	case callCount > 0:
		return engine.FinishToolCalls
	case stopReason == "max_tokens":
		return engine.FinishLength
	case stopReason == "content_filtered":
		return engine.FinishFilter
	default:
		return engine.FinishStop
	}
}
