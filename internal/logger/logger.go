package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log is the process-wide logger. It is usable before Init and writes text
// records to stderr until configured.
var Log = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Init configures Log. level is one of debug, info, warn, error; format is
// text or json; sink is stdout, stderr or file:/path/to/log.
func Init(level, format, sink string) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	out := openSink(sink)

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	Log = slog.New(handler)
	slog.SetDefault(Log)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openSink(sink string) io.Writer {
	sink = strings.TrimSpace(sink)
	switch {
	case sink == "" || sink == "stdout":
		return os.Stdout
	case sink == "stderr":
		return os.Stderr
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err == nil {
			return f
		}
		fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
	}
	return os.Stdout
}
