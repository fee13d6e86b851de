package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

const braveSearchURL = "https://api.search.brave.com/res/v1/web/search"

// NewWebSearchTool queries the Brave Search API with the request's key.
func NewWebSearchTool(client *http.Client) engine.Tool {
	return engine.Tool{
		Name:        "web_search",
		Description: "Searches the web and returns result titles, URLs, and snippets.",
		SchemaJSON:  `{"type":"object","properties":{"query":{"type":"string","description":"Search query"},"count":{"type":"integer","description":"Number of results, default 5, max 20"}},"required":["query"]}`,
		Category:    engine.CategorySearch,
		Timeout:     60 * time.Second,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			count := intArg(args, "count", 5)
			if count < 1 {
				count = 5
			}
			if count > 20 {
				count = 20
			}

			q := url.Values{}
			q.Set("q", stringArg(args, "query"))
			q.Set("count", strconv.Itoa(count))

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchURL+"?"+q.Encode(), nil)
			if err != nil {
				return "", err
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("X-Subscription-Token", rc.Config.SearchAPIKey)

			resp, err := client.Do(req)
			if err != nil {
				return "", engine.WrapUpstreamError("web-search", err, 0)
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 {
				detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				err := fmt.Errorf("search upstream: %s", strings.TrimSpace(string(detail)))
				return "", engine.WrapUpstreamError("web-search", err, resp.StatusCode)
			}

			var body struct {
				Web struct {
					Results []struct {
						Title       string `json:"title"`
						URL         string `json:"url"`
						Description string `json:"description"`
					} `json:"results"`
				} `json:"web"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return "", engine.WrapUpstreamError("web-search", fmt.Errorf("decode response: %w", err), 0)
			}

			if len(body.Web.Results) == 0 {
				return "No results found.", nil
			}
			type result struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"snippet"`
			}
			results := make([]result, 0, len(body.Web.Results))
			for _, r := range body.Web.Results {
				results = append(results, result{Title: r.Title, URL: r.URL, Snippet: r.Description})
			}
			out, err := json.Marshal(results)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}
