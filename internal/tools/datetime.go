package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// NewDateTimeTool reports the current date and time, optionally in a named
// IANA timezone.
func NewDateTimeTool() engine.Tool {
	return engine.Tool{
		Name:        "date_time_now",
		Description: "Returns the current date and time. Optionally pass an IANA timezone name like Europe/Berlin; defaults to UTC.",
		SchemaJSON:  `{"type":"object","properties":{"timezone":{"type":"string","description":"IANA timezone name, e.g. America/New_York"}}}`,
		Category:    engine.CategoryDate,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			loc := time.UTC
			if tz := stringArg(args, "timezone"); tz != "" {
				var err error
				loc, err = time.LoadLocation(tz)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", tz)
				}
			}

			now := time.Now().In(loc)
			out, err := json.Marshal(map[string]any{
				"iso":      now.Format(time.RFC3339),
				"date":     now.Format("2006-01-02"),
				"time":     now.Format("15:04:05"),
				"weekday":  now.Weekday().String(),
				"timezone": loc.String(),
			})
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}
