package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger and implements the gorm and telegram-bot-api
// logger interfaces.
type Logger struct {
	*slog.Logger
}

func New(level string) *Logger {
	return NewWithWriter(level, os.Stdout)
}

func NewWithWriter(level string, w io.Writer) *Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return &Logger{Logger: slog.New(handler)}
}

// Discard is used by tests.
func Discard() *Logger {
	return NewWithWriter("error", io.Discard)
}

// gorm logger.Writer and tgbotapi.BotLogger

func (l *Logger) Printf(format string, args ...any) {
	l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *Logger) Println(v ...any) {
	l.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}
