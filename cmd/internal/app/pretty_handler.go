package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// identityKeys are rendered first, in this order, so lines about one user or session line up.
var identityKeys = []string{"session_id", "user_id", "sender_id", "receiver_id", "counterpart_id"}

// eventColors maps the subsystem prefix of an event message ("presence.online") to a color.
var eventColors = map[string]string{
	"presence": ansiGreen,
	"delivery": ansiCyan,
	"receipt":  ansiCyan,
	"ws":       ansiBlue,
	"http":     ansiDim,
	"server":   ansiMagenta,
}

// prettyHandler renders one line per record for terminals:
//
//	15:04:05.000 [INFO] presence.online session_id=01J.. user_id=alice key=value ...
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []prettyField
	groups []string
	color  bool
	mu     *sync.Mutex
}

type prettyField struct {
	key   string
	value slog.Value
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	fields := append([]prettyField(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		fields = flattenAttr(fields, a, h.groups)
		return true
	})

	var b strings.Builder
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(colorize(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString(h.eventName(r.Message))

	for _, k := range identityKeys {
		for _, f := range fields {
			if f.key == k {
				h.writeField(&b, f)
			}
		}
	}
	for _, f := range fields {
		if !isIdentityKey(f.key) {
			h.writeField(&b, f)
		}
	}

	if h.opts.AddSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			src := fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
			b.WriteString(" src=")
			b.WriteString(colorize(src, ansiDim, h.color))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]prettyField(nil), h.attrs...)
	for _, a := range attrs {
		cp.attrs = flattenAttr(cp.attrs, a, h.groups)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

// flattenAttr appends a (possibly grouped) attribute as dotted keys.
func flattenAttr(dst []prettyField, a slog.Attr, groups []string) []prettyField {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if a.Value.Kind() == slog.KindGroup {
		sub := groups
		if key != "" {
			sub = append(append([]string{}, groups...), key)
		}
		for _, ga := range a.Value.Group() {
			dst = flattenAttr(dst, ga, sub)
		}
		return dst
	}
	if key == "" {
		return dst
	}
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	return append(dst, prettyField{key: key, value: a.Value})
}

func isIdentityKey(k string) bool {
	for _, id := range identityKeys {
		if k == id {
			return true
		}
	}
	return false
}

// eventName colors the subsystem prefix and flags failure suffixes.
func (h *prettyHandler) eventName(msg string) string {
	if !h.color {
		return msg
	}
	prefix, rest, ok := strings.Cut(msg, ".")
	if !ok {
		return colorize(msg, ansiBright, true)
	}
	code, known := eventColors[prefix]
	if !known {
		code = ansiBright
	}
	tail := colorize(rest, ansiBright, true)
	if strings.HasSuffix(rest, "fail") || strings.HasSuffix(rest, "drop") {
		tail = colorize(rest, ansiRed, true)
	}
	return colorize(prefix, code, true) + "." + tail
}

func (h *prettyHandler) writeField(b *strings.Builder, f prettyField) {
	b.WriteByte(' ')
	b.WriteString(prettyKey(f.key))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(f.key, f.value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	if isIdentityKey(key) {
		return colorize(quoteIfNeeded(v.String()), ansiCyan, h.color)
	}
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path":
		return colorize(quoteIfNeeded(v.String()), ansiCyan, h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	case "online", "reachable", "delivered":
		if v.Kind() == slog.KindBool {
			if v.Bool() {
				return colorize("yes", ansiGreen, h.color)
			}
			return colorize("no", ansiYellow, h.color)
		}
	case "err":
		return colorize(quoteIfNeeded(valueToString(v)), ansiRed, h.color)
	}
	return quoteIfNeeded(valueToString(v))
}

func prettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return colorize("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return colorize("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return colorize("[DEBUG]", ansiMagenta, color)
	default:
		return colorize("[INFO]", ansiBlue, color)
	}
}
