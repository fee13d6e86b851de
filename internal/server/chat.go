package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/metrics"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/providers"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/shaper"
)

// chatRequest is the inbound wire format. tools_config carries the caller's
// valves: feature switches and upstream credentials.
type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []wireMessage        `json:"messages"`
	Stream         bool                 `json:"stream"`
	ToolsConfig    engine.RequestConfig `json:"tools_config"`
	ConversationID string               `json:"conversation_id"`
	UserID         string               `json:"user_id"`
	Files          []wireFile           `json:"files"`
}

type wireFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// wireMessage accepts content as either a plain string or a parts array.
type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wirePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

func (m wireMessage) toEngine() (engine.Message, error) {
	msg := engine.Message{Role: engine.Role(m.Role)}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		msg.Parts = []engine.Part{{Type: engine.PartText, Text: text}}
	} else {
		var parts []wirePart
		if err := json.Unmarshal(m.Content, &parts); err != nil {
			return engine.Message{}, fmt.Errorf("message content must be a string or a parts array")
		}
		for _, p := range parts {
			switch p.Type {
			case "text":
				msg.Parts = append(msg.Parts, engine.Part{Type: engine.PartText, Text: p.Text})
			case "image_url":
				if p.ImageURL != nil {
					msg.Parts = append(msg.Parts, engine.Part{Type: engine.PartImage, URL: p.ImageURL.URL})
				}
			}
		}
	}
	return msg, msg.Validate()
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required")
		return
	}
	if req.UserID == "" || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "user_id and conversation_id are required")
		return
	}

	history := make([]engine.Message, 0, len(req.Messages))
	for i, wm := range req.Messages {
		msg, err := wm.toEngine()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("message %d: %v", i, err))
			return
		}
		history = append(history, msg)
	}
	history = attachFiles(history, req.Files)

	provider := providers.Select(req.ToolsConfig, req.Model)
	client, err := s.newProvider(provider, req.ToolsConfig)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID := RequestIDFrom(r.Context())
	logger := s.logger.With("request_id", requestID, "model", req.Model, "provider", provider)

	var memories []string
	if req.ToolsConfig.Memory && s.memories != nil {
		stored, err := s.memories.Retrieve(r.Context(), req.UserID)
		if err != nil {
			logger.Warn("memory retrieval failed, continuing without", "error", err)
		}
		for _, m := range stored {
			memories = append(memories, m.Text)
		}
	}

	summaryModel := req.ToolsConfig.SummaryModel
	if summaryModel == "" {
		summaryModel = req.Model
	}
	shaped, report, err := s.shaper.Shape(r.Context(), history, shaper.Request{
		Model:     req.Model,
		Memories:  memories,
		FileCount: len(req.Files),
		Summarizer: &shaper.LLMSummarizer{
			Client:    client,
			Model:     summaryModel,
			MaxTokens: s.cfg.CompactionMaxSummaryTokens,
		},
	})
	if err != nil {
		var berr *shaper.BudgetError
		if errors.As(err, &berr) {
			writeError(w, http.StatusRequestEntityTooLarge, berr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report.TrimmedMessages > 0 || report.Compacted {
		logger.Info("history shaped", "input_tokens", report.InputTokens,
			"trimmed", report.TrimmedMessages, "compacted", report.Compacted)
	}

	var sink engine.MetricsSink = engine.NopMetrics{}
	if s.recorder != nil {
		sink = s.recorder
	}
	loop := &engine.Loop{
		Provider:      client,
		Dispatcher:    &engine.Dispatcher{Registry: s.registry, Metrics: sink, Logger: logger},
		MaxIterations: s.cfg.MaxToolIterations,
		Logger:        logger,
	}
	tools := s.registry.Definitions(s.registry.Enabled(req.ToolsConfig))
	opts := engine.ChatOptions{Strict: req.ToolsConfig.Strict}

	rc := &engine.RequestContext{
		RequestID:      requestID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Model:          req.Model,
		Provider:       provider,
		Config:         req.ToolsConfig,
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	var result engine.LoopResult
	var runErr error

	if req.Stream {
		sw, serr := newSSEWriter(w)
		if serr != nil {
			writeError(w, http.StatusInternalServerError, serr.Error())
			return
		}
		rc.Emit = sw.emit
		result, runErr = loop.Run(ctx, req.Model, shaped, tools, opts, rc)
	} else {
		rc.Emit = func(engine.Event) {}
		result, runErr = loop.Run(ctx, req.Model, shaped, tools, opts, rc)
		switch {
		case runErr == nil:
			writeJSON(w, http.StatusOK, map[string]any{
				"message": result.FinalText,
				"usage":   usageBody(result.Usage),
				"status":  result.Status,
			})
		case result.Status == engine.StatusCancelled:
			// Client is gone; nothing to write.
		default:
			writeError(w, http.StatusBadGateway, runErr.Error())
		}
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		logger.Warn("chat request ended with error", "status", result.Status, "error", runErr)
	}
	if s.recorder != nil {
		s.recorder.RecordRequest(metrics.RequestRecord{
			ID:                requestID,
			ConversationID:    req.ConversationID,
			UserID:            req.UserID,
			InstanceID:        clientIP(r),
			Model:             req.Model,
			Provider:          provider,
			Status:            string(result.Status),
			InputTokens:       result.Usage.InputTokens,
			OutputTokens:      result.Usage.OutputTokens,
			CachedInputTokens: result.Usage.CachedInputTokens,
			StartedAt:         start,
			Duration:          time.Since(start),
			Error:             errMsg,
		})
	}
}

// attachFiles folds extracted attachment text into the last user message so
// the per-message cap (scaled by file count) covers it.
func attachFiles(history []engine.Message, files []wireFile) []engine.Message {
	if len(files) == 0 {
		return history
	}
	last := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == engine.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return history
	}
	for _, f := range files {
		history[last].Parts = append(history[last].Parts, engine.Part{
			Type: engine.PartText,
			Text: fmt.Sprintf("\n\nAttached file %q:\n%s", f.Name, f.Content),
		})
	}
	return history
}

func usageBody(u engine.Usage) map[string]int {
	return map[string]int{
		"input_tokens":        u.InputTokens,
		"output_tokens":       u.OutputTokens,
		"cached_input_tokens": u.CachedInputTokens,
	}
}
