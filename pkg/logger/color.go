package logger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

const timeFormat = "2006-01-02 15:04:05.000"

var (
	debugColor   = color.New(color.FgHiBlack)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	persistColor = color.New(color.FgGreen)
	keyColor     = color.New(color.FgCyan)
)

// ColorHandler is a slog.Handler that writes one colored text line per record.
// Levels are colored by severity; messages about persistence are green.
type ColorHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewColorHandler creates a ColorHandler writing to w. Colors are disabled
// automatically when w is not a terminal.
func NewColorHandler(w io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &ColorHandler{w: w, mu: &sync.Mutex{}, level: level}
}

// Enabled implements slog.Handler
func (h *ColorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *ColorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	if !r.Time.IsZero() {
		buf.WriteString(r.Time.Format(timeFormat))
		buf.WriteByte(' ')
	}
	buf.WriteString(levelString(r.Level))
	buf.WriteByte(' ')
	buf.WriteString(messageString(r.Level, r.Message))

	prefix := strings.Join(h.groups, ".")
	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, prefix, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

// WithAttrs implements slog.Handler
func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := strings.Join(h.groups, ".")
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), qualify(prefix, attrs)...)
	return &next
}

// WithGroup implements slog.Handler
func (h *ColorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

func qualify(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + "." + a.Key, Value: a.Value}
	}
	return out
}

func writeAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, sub := range a.Value.Group() {
			writeAttr(buf, key, sub)
		}
		return
	}
	buf.WriteByte(' ')
	buf.WriteString(keyColor.Sprint(key))
	buf.WriteByte('=')
	buf.WriteString(formatValue(a.Value))
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindString:
		s := v.String()
		if s == "" || strings.ContainsAny(s, " \t\"=") {
			return fmt.Sprintf("%q", s)
		}
		return s
	default:
		return v.String()
	}
}

func levelString(level slog.Level) string {
	label := fmt.Sprintf("%-5s", level.String())
	switch {
	case level >= slog.LevelError:
		return errorColor.Sprint(label)
	case level >= slog.LevelWarn:
		return warnColor.Sprint(label)
	case level < slog.LevelInfo:
		return debugColor.Sprint(label)
	default:
		return label
	}
}

func messageString(level slog.Level, msg string) string {
	switch {
	case level >= slog.LevelError:
		return errorColor.Sprint(msg)
	case level >= slog.LevelWarn:
		return warnColor.Sprint(msg)
	case isPersistence(msg):
		return persistColor.Sprint(msg)
	default:
		return msg
	}
}

func isPersistence(msg string) bool {
	return strings.Contains(msg, "Persisting") || strings.Contains(msg, "persisted")
}
