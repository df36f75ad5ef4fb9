package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var paramPattern = regexp.MustCompile(`\$\{params\.([A-Za-z0-9_]+)\}`)

// httpSpec is the persisted shape of a dynamic HTTP-template tool.
type httpSpec struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	BodyTemplate string            `json:"bodyTemplate"`
}

// httpSpecHandler builds a handler for a dynamic HTTP tool. ${params.x}
// occurrences in the URL are URL-encoded; in the body template they are
// JSON-escaped.
func httpSpecHandler(spec string) (func(ctx context.Context, args map[string]any) (any, error), error) {
	var tpl httpSpec
	if err := json.Unmarshal([]byte(spec), &tpl); err != nil {
		return nil, fmt.Errorf("parse http tool spec: %w", err)
	}
	if tpl.URL == "" {
		return nil, fmt.Errorf("http tool spec has no url")
	}
	if tpl.Method == "" {
		tpl.Method = http.MethodGet
	}
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, args map[string]any) (any, error) {
		target := substitute(tpl.URL, args, url.QueryEscape)

		var body io.Reader
		if tpl.BodyTemplate != "" {
			body = strings.NewReader(substitute(tpl.BodyTemplate, args, jsonEscape))
		}

		req, err := http.NewRequestWithContext(ctx, strings.ToUpper(tpl.Method), target, body)
		if err != nil {
			return nil, fmt.Errorf("build http request: %w", err)
		}
		for k, v := range tpl.Headers {
			req.Header.Set(k, v)
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxStreamBytes))
		if err != nil {
			return nil, fmt.Errorf("read http response: %w", err)
		}

		if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
			var parsed any
			if err := json.Unmarshal(data, &parsed); err == nil {
				return parsed, nil
			}
		}
		return map[string]any{
			"status":     resp.StatusCode,
			"statusText": http.StatusText(resp.StatusCode),
			"body":       string(data),
		}, nil
	}, nil
}

func substitute(template string, args map[string]any, escape func(string) string) string {
	return paramPattern.ReplaceAllStringFunc(template, func(match string) string {
		field := paramPattern.FindStringSubmatch(match)[1]
		v, ok := args[field]
		if !ok {
			return ""
		}
		return escape(stringify(v))
	})
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// Avoid the %v exponent form for integral values.
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func jsonEscape(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return s
	}
	return string(data[1 : len(data)-1])
}
