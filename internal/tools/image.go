package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// NewGenerateImageTool renders an image through a Stable Diffusion WebUI
// compatible backend and returns a markdown reference the caller's UI can
// display. Steps are clamped to the configured range, never rejected.
func NewGenerateImageTool(client *http.Client, cfg ImageConfig) engine.Tool {
	if cfg.StepsMin <= 0 {
		cfg.StepsMin = 1
	}
	if cfg.StepsMax <= 0 {
		cfg.StepsMax = 50
	}

	return engine.Tool{
		Name:        "generate_image",
		Description: "Generates an image from a text prompt and returns a markdown image link.",
		SchemaJSON:  `{"type":"object","properties":{"prompt":{"type":"string","description":"What to draw"},"steps":{"type":"integer","description":"Diffusion steps; higher is slower but more detailed"},"width":{"type":"integer","description":"Image width in pixels, default 512"},"height":{"type":"integer","description":"Image height in pixels, default 512"}},"required":["prompt"]}`,
		Category:    engine.CategoryImage,
		Timeout:     3 * time.Minute,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			steps := intArg(args, "steps", 20)
			if steps < cfg.StepsMin {
				steps = cfg.StepsMin
			}
			if steps > cfg.StepsMax {
				steps = cfg.StepsMax
			}

			payload, err := json.Marshal(map[string]any{
				"prompt": stringArg(args, "prompt"),
				"steps":  steps,
				"width":  intArg(args, "width", 512),
				"height": intArg(args, "height", 512),
			})
			if err != nil {
				return "", err
			}

			endpoint := strings.TrimSuffix(rc.Config.ImageBackendURL, "/") + "/sdapi/v1/txt2img"
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return "", err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				return "", engine.WrapUpstreamError("image-backend", err, 0)
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 {
				detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				err := fmt.Errorf("image backend: %s", strings.TrimSpace(string(detail)))
				return "", engine.WrapUpstreamError("image-backend", err, resp.StatusCode)
			}

			var body struct {
				Images []string `json:"images"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return "", engine.WrapUpstreamError("image-backend", fmt.Errorf("decode response: %w", err), 0)
			}
			if len(body.Images) == 0 {
				return "", fmt.Errorf("image backend returned no images")
			}

			raw, err := base64.StdEncoding.DecodeString(body.Images[0])
			if err != nil {
				return "", fmt.Errorf("decode image data: %w", err)
			}

			name := uuid.NewString() + ".png"
			if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
				return "", fmt.Errorf("create image output dir: %w", err)
			}
			if err := os.WriteFile(filepath.Join(cfg.OutputDir, name), raw, 0o644); err != nil {
				return "", fmt.Errorf("write image: %w", err)
			}

			url := strings.TrimSuffix(cfg.PublicDomain, "/") + "/images/" + name
			return fmt.Sprintf("![generated image](%s)", url), nil
		},
	}
}
