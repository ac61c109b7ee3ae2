package internal

import (
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

func InitSlog(level string) {
	var programLevel slog.Level
	if err := (&programLevel).UnmarshalText([]byte(level)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v, using info\n", level, err)
		programLevel = slog.LevelInfo
	}

	leveler := &slog.LevelVar{}
	leveler.Set(programLevel)

	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: true,
		Level:     leveler,
	})
	slog.SetDefault(slog.New(h))
}

func GetRequestLogger(r *http.Request) *slog.Logger {
	return slog.With(
		"request_id", r.Header.Get(RequestIDHeader),
		"method", r.Method,
		"path", r.URL.Path,
		"user_agent", r.UserAgent(),
		"accept_language", r.Header.Get("Accept-Language"),
		"x-forwarded-for", r.Header.Get("X-Forwarded-For"),
		"x-real-ip", r.Header.Get("X-Real-Ip"),
	)
}

// TokenAttr identifies a challenge token in logs by its hash, never by
// the token itself.
func TokenAttr(token string) slog.Attr {
	return slog.String("token", FastHash(token))
}

// DefaultSuppressed lists http.Server error log fragments caused by clients
// that go away mid-request, such as a form abandoned while its image loads.
var DefaultSuppressed = []string{
	"context canceled",
	"connection reset by peer",
}

// ErrorLogFilter drops http.Server error log lines containing any of
// Suppress, or DefaultSuppressed when Suppress is nil.
type ErrorLogFilter struct {
	Unwrap   *log.Logger
	Suppress []string
}

func (elf *ErrorLogFilter) Write(p []byte) (n int, err error) {
	suppress := elf.Suppress
	if suppress == nil {
		suppress = DefaultSuppressed
	}

	logMessage := string(p)
	for _, fragment := range suppress {
		if strings.Contains(logMessage, fragment) {
			return len(p), nil
		}
	}

	if elf.Unwrap != nil {
		return elf.Unwrap.Writer().Write(p)
	}
	return len(p), nil
}

func GetFilteredHTTPLogger() *log.Logger {
	stdErrLogger := log.New(os.Stderr, "", log.LstdFlags)
	return log.New(&ErrorLogFilter{Unwrap: stdErrLogger}, "", 0)
}
