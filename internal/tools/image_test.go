package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// pngHeader is enough bytes to look like an image on disk.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func imageBackend(t *testing.T, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdapi/v1/txt2img" {
			t.Errorf("path = %q, want /sdapi/v1/txt2img", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"images": []string{base64.StdEncoding.EncodeToString(pngHeader)},
		})
	}))
}

func TestGenerateImageTool(t *testing.T) {
	var payload map[string]any
	srv := imageBackend(t, &payload)
	defer srv.Close()

	outDir := t.TempDir()
	tool := NewGenerateImageTool(srv.Client(), ImageConfig{
		StepsMin: 1, StepsMax: 50, OutputDir: outDir, PublicDomain: "https://gw.example.com",
	})
	rc := requestContext()
	rc.Config.ImageBackendURL = srv.URL

	out, err := tool.Fn(context.Background(), rc, map[string]any{
		"prompt": "a lighthouse at dusk", "steps": float64(30), "width": float64(768),
	})
	if err != nil {
		t.Fatalf("Fn() error = %v", err)
	}

	if payload["prompt"] != "a lighthouse at dusk" || payload["steps"] != float64(30) || payload["width"] != float64(768) {
		t.Errorf("payload = %v", payload)
	}

	if !strings.HasPrefix(out, "![generated image](https://gw.example.com/images/") || !strings.HasSuffix(out, ".png)") {
		t.Fatalf("output = %q, want a markdown image link", out)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("output dir entries = %v, %v, want one file", entries, err)
	}
	data, err := os.ReadFile(filepath.Join(outDir, entries[0].Name()))
	if err != nil || string(data) != string(pngHeader) {
		t.Errorf("written file content mismatch: %v", err)
	}
	if !strings.Contains(out, entries[0].Name()) {
		t.Errorf("link %q does not reference the written file %q", out, entries[0].Name())
	}
}

func TestGenerateImageToolClampsSteps(t *testing.T) {
	var payload map[string]any
	srv := imageBackend(t, &payload)
	defer srv.Close()

	tool := NewGenerateImageTool(srv.Client(), ImageConfig{
		StepsMin: 5, StepsMax: 25, OutputDir: t.TempDir(), PublicDomain: "https://gw.example.com",
	})
	rc := requestContext()
	rc.Config.ImageBackendURL = srv.URL

	if _, err := tool.Fn(context.Background(), rc, map[string]any{"prompt": "x", "steps": float64(500)}); err != nil {
		t.Fatalf("Fn() error = %v", err)
	}
	if payload["steps"] != float64(25) {
		t.Errorf("steps = %v, want clamped to 25", payload["steps"])
	}

	if _, err := tool.Fn(context.Background(), rc, map[string]any{"prompt": "x", "steps": float64(1)}); err != nil {
		t.Fatalf("Fn() error = %v", err)
	}
	if payload["steps"] != float64(5) {
		t.Errorf("steps = %v, want clamped up to 5", payload["steps"])
	}
}

func TestGenerateImageToolBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tool := NewGenerateImageTool(srv.Client(), ImageConfig{OutputDir: t.TempDir()})
	rc := requestContext()
	rc.Config.ImageBackendURL = srv.URL

	if _, err := tool.Fn(context.Background(), rc, map[string]any{"prompt": "x"}); err == nil {
		t.Error("backend failure not surfaced")
	}
}
