package tools

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fractalhq/fractal/pkg/httpclient"
)

// maxWebBytes caps the response body returned to the model.
const maxWebBytes = 512 * 1024

// WebTool fetches URLs over HTTP with rate-limit-aware retries.
type WebTool struct {
	client  *httpclient.Client
	timeout time.Duration
}

// NewWebTool creates the web fetch tool. client may be nil to use defaults.
func NewWebTool(client *httpclient.Client, timeout time.Duration) *WebTool {
	if client == nil {
		client = httpclient.New(httpclient.WithMaxRetries(2))
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebTool{client: client, timeout: timeout}
}

func (t *WebTool) Definition() Definition {
	return Definition{
		Name:        "web_fetch",
		Description: "Fetch a URL over HTTP or HTTPS and return the response body.",
		Parameters: ObjectSchema(map[string]any{
			"url":    Prop("string", "URL to fetch"),
			"method": Prop("string", "HTTP method (default GET)"),
			"body":   Prop("string", "Request body for POST or PUT"),
		}, "url"),
		Scope: ScopeSystem,
	}
}

func (t *WebTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	raw := StringArg(args, "url")
	if raw == "" {
		return Fail("url parameter is required"), nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Fail("invalid url %q: only http and https are supported", raw), nil
	}

	method := strings.ToUpper(StringArg(args, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b := StringArg(args, "body"); b != "" {
		body = strings.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), body)
	if err != nil {
		return Fail("building request: %v", err), nil
	}
	req.Header.Set("User-Agent", "fractal/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return Fail("fetch failed: %v", err), nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebBytes+1))
	if err != nil {
		return Fail("reading response: %v", err), nil
	}
	truncated := false
	if len(data) > maxWebBytes {
		data = data[:maxWebBytes]
		truncated = true
	}

	content := string(data)
	if truncated {
		content += "\n... (truncated)"
	}
	res := Text(content)
	res.Metadata = map[string]any{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
	}
	if resp.StatusCode >= 400 {
		return Fail("HTTP %d: %s", resp.StatusCode, snippet(content, 300)), nil
	}
	return res, nil
}
