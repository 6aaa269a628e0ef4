package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrTransportExhausted matches any *TransportExhaustedError via errors.Is.
var ErrTransportExhausted = errors.New("client: all endpoints unreachable")

// EndpointError records one failed connection attempt.
type EndpointError struct {
	Endpoint string
	Err      error
}

func (e EndpointError) Error() string {
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

// TransportExhaustedError is returned when no endpoint could be reached. It is
// distinct from *HTTPError: no host answered at all.
type TransportExhaustedError struct {
	Attempts []EndpointError
}

func (e *TransportExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "client: no endpoints configured"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	return fmt.Sprintf("client: all %d endpoints unreachable: %s", len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap returns the last underlying connection error.
func (e *TransportExhaustedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

func (e *TransportExhaustedError) Is(target error) bool {
	return target == ErrTransportExhausted
}

// HTTPError is a non-2xx answer from a reachable endpoint.
type HTTPError struct {
	Method string
	URL    string
	Status int
	// Detail is the parsed error message, if the body carried one.
	Detail string
	Body   []byte
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// MalformedResponseError is a 2xx answer whose body is not the expected shape.
type MalformedResponseError struct {
	Method string
	URL    string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("client: malformed response from %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status carried by err, if any.
func StatusCode(err error) (int, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status, true
	}
	return 0, false
}

// maxRawDetail bounds how many bytes of a non-JSON error body are kept.
const maxRawDetail = 200

// truncateDetail cuts text to at most limit bytes without splitting a rune.
func truncateDetail(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// parseErrorDetail extracts a human message from a FastAPI style
// {"detail": ...} body or a {"error": "..."} body.
func parseErrorDetail(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return truncateDetail(strings.TrimSpace(string(body)), maxRawDetail)
	}
	switch detail := payload["detail"].(type) {
	case string:
		return detail
	case []any:
		msgs := make([]string, 0, len(detail))
		for _, item := range detail {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if msg, ok := entry["msg"].(string); ok && msg != "" {
				msgs = append(msgs, msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	if msg, ok := payload["error"].(string); ok {
		return msg
	}
	if msg, ok := payload["message"].(string); ok {
		return msg
	}
	return ""
}
