package authproxy

import (
	"encoding/json"
	"strings"
)

const (
	proxyErrorMarker = "http: proxy error:"
	responseMarker   = "Response: "
)

// ParseError classifies one chunk of proxy diagnostic output.
//
// The text following the proxy error marker is the error. When that text
// carries a response body after "Response: ", a JSON body's
// error_description or error field is preferred; a body that is not JSON is
// returned trimmed. Chunks without the marker classify as the empty string.
func ParseError(data string) string {
	parts := strings.Split(data, proxyErrorMarker)
	if len(parts) < 2 {
		return ""
	}
	remainder := strings.TrimSpace(strings.Join(parts[1:], ""))

	bodies := strings.Split(remainder, responseMarker)
	if len(bodies) < 2 || bodies[1] == "" {
		return remainder
	}
	body := bodies[1]

	var payload any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return strings.TrimSpace(body)
	}
	if fields, ok := payload.(map[string]any); ok {
		if desc, ok := fields["error_description"].(string); ok && desc != "" {
			return desc
		}
		if msg, ok := fields["error"].(string); ok && msg != "" {
			return msg
		}
	}
	return body
}
