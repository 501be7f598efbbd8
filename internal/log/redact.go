package log

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
)

// urlKeys are attribute keys whose values are archive or request URLs.
var urlKeys = map[string]bool{
	"url":      true,
	"location": true,
}

const redacted = "redacted"

// redactHandler strips credentials from URL-valued attributes. Registry URLs
// routinely carry tokens in userinfo or in the query string.
type redactHandler struct{ next slog.Handler }

func (h redactHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h redactHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a)
	}
	return redactHandler{next: h.next.WithAttrs(clean)}
}

func (h redactHandler) WithGroup(name string) slog.Handler {
	return redactHandler{next: h.next.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if !urlKeys[a.Key] {
		return a
	}
	v := a.Value.Resolve()
	if v.Kind() != slog.KindString {
		return a
	}
	return slog.String(a.Key, RedactURL(v.String()))
}

// RedactURL replaces userinfo and query values with a placeholder and drops
// the fragment. Strings that do not parse come back with everything after
// the first '?' or '#' removed.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	if u.User != nil {
		u.User = url.User(redacted)
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			q.Set(k, redacted)
		}
		u.RawQuery = q.Encode()
	}
	u.Fragment, u.RawFragment = "", ""
	return u.String()
}
