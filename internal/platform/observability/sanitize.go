package observability

import (
	"strings"
	"unicode"
)

// Length caps for values copied from requests into log fields. Anything
// longer is junk at best and log forging at worst.
const (
	maxRouteLen  = 180
	maxMethodLen = 10
	maxUserIDLen = 64
)

// scrubForLog strips control characters from a request-supplied value and
// caps its length so a hostile client cannot inject extra log lines.
func scrubForLog(value string, max int) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if max > 0 {
		if runes := []rune(cleaned); len(runes) > max {
			cleaned = string(runes[:max])
		}
	}
	return cleaned
}

// SanitizeRoute returns a log-safe route pattern. An unmatched route logs as "/".
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return scrubForLog(route, maxRouteLen)
}

// SanitizeMethod returns a log-safe HTTP method.
func SanitizeMethod(method string) string {
	return scrubForLog(method, maxMethodLen)
}

// SanitizeUserID caps account identifiers before they reach a log field.
func SanitizeUserID(uid string) string {
	return scrubForLog(uid, maxUserIDLen)
}
