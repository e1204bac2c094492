package server

import (
	"html"
	"net/http"
	"regexp"
	"strings"
)

// CSPConfig holds Content-Security-Policy configuration.
type CSPConfig struct {
	DefaultSrc     []string
	ScriptSrc      []string
	StyleSrc       []string
	ImgSrc         []string
	ConnectSrc     []string
	FrameAncestors []string
	BaseURI        []string
	FormAction     []string
}

// DefaultCSPConfig returns a same-origin-only policy.
func DefaultCSPConfig() CSPConfig {
	return CSPConfig{
		DefaultSrc:     []string{"'self'"},
		ScriptSrc:      []string{"'self'"},
		StyleSrc:       []string{"'self'"},
		ImgSrc:         []string{"'self'", "data:"},
		ConnectSrc:     []string{"'self'"},
		FrameAncestors: []string{"'none'"},
		BaseURI:        []string{"'self'"},
		FormAction:     []string{"'self'"},
	}
}

// PreviewCSPConfig returns the policy for the preview page. The injected
// client script is inline, and the update channel is a websocket back to
// the same host.
func PreviewCSPConfig() CSPConfig {
	cfg := DefaultCSPConfig()
	cfg.ScriptSrc = []string{"'self'", "'unsafe-inline'"}
	cfg.StyleSrc = []string{"'self'", "'unsafe-inline'"}
	cfg.ConnectSrc = []string{"'self'", "ws:", "wss:"}
	return cfg
}

// BuildCSPHeader builds a Content-Security-Policy header value from config.
func (cfg CSPConfig) BuildCSPHeader() string {
	var directives []string

	add := func(name string, src []string) {
		if len(src) > 0 {
			directives = append(directives, name+" "+strings.Join(src, " "))
		}
	}
	add("default-src", cfg.DefaultSrc)
	add("script-src", cfg.ScriptSrc)
	add("style-src", cfg.StyleSrc)
	add("img-src", cfg.ImgSrc)
	add("connect-src", cfg.ConnectSrc)
	add("frame-ancestors", cfg.FrameAncestors)
	add("base-uri", cfg.BaseURI)
	add("form-action", cfg.FormAction)

	return strings.Join(directives, "; ")
}

// SecurityHeadersWithCSP adds the baseline security headers plus a
// configurable Content-Security-Policy.
func SecurityHeadersWithCSP(cfg CSPConfig, next http.Handler) http.Handler {
	cspHeader := cfg.BuildCSPHeader()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if cspHeader != "" {
			w.Header().Set("Content-Security-Policy", cspHeader)
		}
		next.ServeHTTP(w, r)
	})
}

// SanitizeHTML escapes HTML special characters for safe text output.
func SanitizeHTML(input string) string {
	return html.EscapeString(input)
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// ValidateIdentifier reports whether a string is safe to embed in a node
// query: it must start with a letter or underscore, contain only letters,
// digits, underscores and hyphens, and be at most 128 characters. Client
// supplied element ids go through this before any document lookup.
func ValidateIdentifier(input string) bool {
	if len(input) == 0 || len(input) > 128 {
		return false
	}
	return identifierPattern.MatchString(input)
}

// SanitizeUserInput trims whitespace and strips control characters except
// newline and tab.
func SanitizeUserInput(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")

	var result strings.Builder
	for _, r := range input {
		if r >= 0x20 || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// LimitStringLength truncates a string to a maximum length.
func LimitStringLength(input string, maxLength int) string {
	if len(input) <= maxLength {
		return input
	}
	return input[:maxLength]
}
