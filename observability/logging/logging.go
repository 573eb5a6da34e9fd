// Package logging configures structured JSON logging for the node and its
// companion services. Severity, timestamp, and message keys follow the log
// collector's schema; every line carries the service name and environment.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// FileSink describes an optional rotating on-disk copy of the log stream.
// A zero value disables the sink and lines go to stdout alone.
type FileSink struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (s FileSink) enabled() bool {
	return strings.TrimSpace(s.Path) != ""
}

// Setup configures slog and the standard library logger to emit structured
// JSON on stdout and returns the base logger for the service.
func Setup(service, env string) *slog.Logger {
	return SetupWithSink(service, env, FileSink{})
}

// SetupWithSink is Setup plus a rotating file sink for hosts that keep
// local logs instead of shipping stdout.
func SetupWithSink(service, env string, sink FileSink) *slog.Logger {
	var out io.Writer = os.Stdout
	if sink.enabled() {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   strings.TrimSpace(sink.Path),
			MaxSize:    sink.MaxSizeMB,
			MaxBackups: sink.MaxBackups,
			MaxAge:     sink.MaxAgeDays,
			Compress:   sink.Compress,
		})
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: false,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so dependencies keep working.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
