// Package parser turns raw LLM responses into step fields.
package parser

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/ent0n29/versecraft/internal/workflow"
)

// JSONParser expects the response to contain one JSON object, either bare,
// wrapped in prose or inside a fenced code block.
type JSONParser struct{}

func New() JSONParser {
	return JSONParser{}
}

func (JSONParser) Parse(step workflow.StepName, raw string) (map[string]string, error) {
	shape, ok := workflow.ShapeFor(step)
	if !ok {
		return nil, fmt.Errorf("%w: unknown step %q", workflow.ErrParse, step)
	}

	obj, err := extractObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", workflow.ErrParse, step, err)
	}

	out := make(map[string]string, len(shape.Required)+len(shape.Optional))
	for _, field := range shape.Required {
		v, ok := obj[field]
		if !ok {
			return nil, fmt.Errorf("%w: %s: missing field %q", workflow.ErrParse, step, field)
		}
		s := normalize(flatten(v))
		if s == "" {
			return nil, fmt.Errorf("%w: %s: empty field %q", workflow.ErrParse, step, field)
		}
		out[field] = s
	}
	for _, field := range shape.Optional {
		if v, ok := obj[field]; ok {
			if s := normalize(flatten(v)); s != "" {
				out[field] = s
			}
		}
	}
	return out, nil
}

func extractObject(raw string) (map[string]any, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}
	if i := strings.Index(text, "```"); i >= 0 {
		body := text[i+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			text = strings.TrimSpace(body[:end])
		}
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no json object found")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return obj, nil
}

func flatten(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := strings.TrimSpace(flatten(item)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if s := strings.TrimSpace(flatten(t[k])); s != "" {
				parts = append(parts, k+": "+s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprint(t)
	}
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(norm.NFC.String(s))
}
