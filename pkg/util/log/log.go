package log

import (
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// Logger is a shared go-kit logger.
var Logger = log.NewNopLogger()

// InitLogger initialises the global logger according to the allowed log level and format.
func InitLogger(format string, lvl dslog.Level) log.Logger {
	Logger = NewLogger(os.Stderr, format, lvl)
	return Logger
}

// NewLogger builds a leveled logger writing to w.
func NewLogger(w io.Writer, format string, lvl dslog.Level) log.Logger {
	var logger log.Logger
	sw := log.NewSyncWriter(w)
	if format == FormatJSON {
		logger = log.NewJSONLogger(sw)
	} else {
		logger = log.NewLogfmtLogger(sw)
	}
	logger = level.NewFilter(logger, lvl.Option)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))
}
