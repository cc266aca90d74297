package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// ValidationError carries the backend's field-level messages from a 400
// response. It is never fatal; callers surface it next to the offending
// input.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], "; "))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// APIError is any other non-2xx REST response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: http %d", e.Status)
	}
	return fmt.Sprintf("api error: http %d: %s", e.Status, e.Message)
}

// decodeError turns a non-2xx response into the taxonomy above. DRF bodies
// come in three shapes: {"detail": "..."}, {"error": "..."} and per-field
// {"name": ["msg", ...]} maps.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg, fields := parseErrorBody(raw)

	switch resp.StatusCode {
	case http.StatusNotFound:
		if msg != "" {
			return fmt.Errorf("%s: %w", msg, ErrNotFound)
		}
		return ErrNotFound
	case http.StatusForbidden:
		if msg != "" {
			return fmt.Errorf("%s: %w", msg, ErrForbidden)
		}
		return ErrForbidden
	case http.StatusBadRequest:
		if len(fields) > 0 {
			return &ValidationError{Fields: fields}
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func parseErrorBody(raw []byte) (string, map[string][]string) {
	var body map[string]any
	if json.Unmarshal(raw, &body) != nil {
		return "", nil
	}
	if s, ok := body["detail"].(string); ok {
		return s, nil
	}
	if s, ok := body["error"].(string); ok {
		return s, nil
	}
	fields := map[string][]string{}
	for k, v := range body {
		switch t := v.(type) {
		case string:
			fields[k] = []string{t}
		case []any:
			for _, item := range t {
				if s, ok := item.(string); ok {
					fields[k] = append(fields[k], s)
				}
			}
		}
	}
	if len(fields) == 0 {
		return "", nil
	}
	return "", fields
}
