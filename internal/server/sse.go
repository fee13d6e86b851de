package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// sseWriter frames loop events as server-sent events. Text and reasoning
// increments share the delta event with a type discriminator; tool markers,
// the terminal done event, and errors each get their own event name.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

func (s *sseWriter) emit(ev engine.Event) {
	switch ev.Kind {
	case engine.KindText:
		s.send("delta", map[string]string{"type": "text", "content": ev.Text})
	case engine.KindReasoning:
		s.send("delta", map[string]string{"type": "reasoning", "content": ev.Text})
	case engine.KindToolBegin:
		s.send("tool", map[string]any{
			"id": ev.ToolID, "name": ev.ToolName, "phase": "begin", "summary": ev.Summary,
		})
	case engine.KindToolEnd:
		s.send("tool", map[string]any{
			"id": ev.ToolID, "name": ev.ToolName, "phase": "end", "summary": ev.Summary, "ok": ev.OK,
		})
	case engine.KindDone:
		s.send("done", map[string]any{
			"status": ev.Status,
			"usage":  usageBody(ev.Usage),
		})
	case engine.KindError:
		s.send("error", map[string]any{"status": ev.Status, "error": ev.Err})
	}
}

func (s *sseWriter) send(event string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.f.Flush()
}
