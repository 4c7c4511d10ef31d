package relay

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const maxSummaryLen = 512

var errorMessagePaths = []string{
	"error.message",
	"0.error.message",
	"message",
	"error",
	"0.error",
	"detail",
}

// SummarizeError extracts a human-readable message from a possibly partial
// upstream error body.
func SummarizeError(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range errorMessagePaths {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
				return clip(strings.TrimSpace(r.Str))
			}
		}
	}

	text := strings.TrimSpace(string(body))
	if text == "" || !utf8.ValidString(text) {
		if status > 0 {
			return http.StatusText(status)
		}
		return "upstream error"
	}
	return clip(strings.Join(strings.Fields(text), " "))
}

// inStreamError reports an error object delivered inside a 2xx stream.
func inStreamError(obj []byte) (*Error, bool) {
	errVal := gjson.GetBytes(obj, "error")
	if !errVal.Exists() {
		return nil, false
	}
	status := http.StatusBadGateway
	if code := gjson.GetBytes(obj, "error.code"); code.Type == gjson.Number {
		status = upstreamStatus(int(code.Int()))
	}
	return &Error{Kind: KindUpstreamHTTP, Status: status, Message: SummarizeError(status, obj)}, true
}

func clip(s string) string {
	if len(s) <= maxSummaryLen {
		return s
	}
	cut := maxSummaryLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
