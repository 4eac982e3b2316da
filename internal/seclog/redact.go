// Package seclog wraps an slog.Handler to redact values that would otherwise
// leak the onion addresses, rendezvous cookies, and private handshake
// scalars this client necessarily handles in memory.
package seclog

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// sensitiveKeys are attribute keys whose values are always replaced,
// regardless of content.
var sensitiveKeys = map[string]bool{
	"cookie":            true,
	"rendezvous_cookie": true,
	"client_pk":         true,
	"client_sk":         true,
	"auth_key":          true,
	"private_key":       true,
	"privatekey":        true,
	"ntor_sk":           true,
	"ntor_private":      true,
	"scalar":            true,
	"subcredential":     true,
	"blinding_nonce":    true,
	"onion_address":     true,
	"descriptor_cookie": true,
}

// sensitiveKeywords are substrings that mark a key sensitive without an exact
// match, mirroring the onion/ntor-domain vocabulary rather than generic web
// credentials.
var sensitiveKeywords = []string{"secret", "private", "cookie", "scalar"}

// sensitivePatterns catch sensitive-looking values even under an innocuous key.
var sensitivePatterns = []*regexp.Regexp{
	// 56-char base32 onion address, with or without the .onion suffix.
	regexp.MustCompile(`(?i)^[a-z2-7]{56}(\.onion)?$`),
	// ed25519v1 secret key block marker (Tor's on-disk key format).
	regexp.MustCompile(`== ed25519v1-secret:`),
}

// MaskValue replaces a redacted attribute's value in the log output.
const MaskValue = "***REDACTED***"

// Handler wraps an slog.Handler, redacting sensitive attributes from every
// record before it reaches the underlying handler.
type Handler struct {
	handler slog.Handler
}

// New wraps handler with redaction. A nil handler falls back to slog.Default().
func New(handler slog.Handler) *Handler {
	if handler == nil {
		handler = slog.Default().Handler()
	}
	return &Handler{handler: handler}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	sanitized := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		sanitized.AddAttrs(h.sanitizeAttr(a))
		return true
	})
	return h.handler.Handle(ctx, sanitized)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		sanitized[i] = h.sanitizeAttr(a)
	}
	return &Handler{handler: h.handler.WithAttrs(sanitized)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{handler: h.handler.WithGroup(name)}
}

func (h *Handler) sanitizeAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		sanitized := make([]slog.Attr, len(attrs))
		for i, ga := range attrs {
			sanitized[i] = h.sanitizeAttr(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(sanitized...)}
	}

	key := strings.ToLower(a.Key)
	if sensitiveKeys[key] || containsSensitiveKeyword(key) {
		return slog.String(a.Key, MaskValue)
	}
	if a.Value.Kind() == slog.KindString && isSensitiveValue(a.Value.String()) {
		return slog.String(a.Key, MaskValue)
	}
	return a
}

func containsSensitiveKeyword(key string) bool {
	for _, kw := range sensitiveKeywords {
		if strings.Contains(key, kw) {
			return true
		}
	}
	return false
}

func isSensitiveValue(value string) bool {
	for _, p := range sensitivePatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}
