package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// MultiHandler fans out records to multiple handlers.
type MultiHandler struct {
	handlers []slog.Handler
}

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}

// New builds a logger writing JSON to a rotating <stateDir>/logs/devicegw.log
// and text to console. The returned closer releases the log file.
func New(stateDir string, level slog.Level, console io.Writer) (*slog.Logger, io.Closer) {
	logDir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		slog.Error("failed to create log directory", "error", err)
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "devicegw.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	jsonHandler := slog.NewJSONHandler(fileLogger, &slog.HandlerOptions{Level: level})
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})
	return slog.New(NewMultiHandler(jsonHandler, consoleHandler)), fileLogger
}

// Setup installs New's logger as the slog default, printing to stdout.
func Setup(stateDir string, level slog.Level) io.Closer {
	l, closer := New(stateDir, level, os.Stdout)
	slog.SetDefault(l)
	return closer
}
