package tracelog

import (
	"log/slog"
	"regexp"
	"strings"
)

const (
	redactedAudio  = "[REDACTED_AUDIO]"
	redactedBase64 = "[REDACTED_BASE64]"

	// Unbroken base64 runs at least this long are assumed to be audio frames.
	base64MinLen = 256
)

var audioKeys = map[string]bool{
	"audio":   true,
	"payload": true,
	"pcm":     true,
	"pcm16":   true,
	"mulaw":   true,
}

var (
	bearerPattern  = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._~+/\-]+=*`)
	kvTokenPattern = regexp.MustCompile(`(?i)\b(token|api_key)=[^\s&"']+`)
)

func redactAttr(a slog.Attr) slog.Attr {
	if audioKeys[a.Key] {
		a.Value = slog.StringValue(redactedAudio)
		return a
	}
	if a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(RedactString(a.Value.String()))
	}
	return a
}

// RedactString masks payload-sized base64 runs and credential substrings.
func RedactString(s string) string {
	if looksLikeBase64Payload(s) {
		return redactedBase64
	}
	s = bearerPattern.ReplaceAllString(s, "Bearer [REDACTED]")
	s = kvTokenPattern.ReplaceAllString(s, "$1=[REDACTED]")
	return s
}

func looksLikeBase64Payload(s string) bool {
	if len(s) < base64MinLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			return false
		}
	}
	return !strings.ContainsAny(s, " \t\r\n")
}
