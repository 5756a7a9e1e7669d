package log

import (
	"bytes"
	"testing"

	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Levels(t *testing.T) {
	testCases := []struct {
		testName  string
		level     string
		format    string
		wantDebug bool
		wantWarn  bool
	}{
		{"DebugLogfmt", "debug", FormatLogfmt, true, true},
		{"InfoLogfmt", "info", FormatLogfmt, false, true},
		{"ErrorJSON", "error", FormatJSON, false, false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.testName, func(t *testing.T) {
			var lvl dslog.Level
			require.NoError(t, lvl.Set(testCase.level))

			var buf bytes.Buffer
			logger := NewLogger(&buf, testCase.format, lvl)

			_ = level.Debug(logger).Log("msg", "debug line")
			assert.Equal(t, testCase.wantDebug, bytes.Contains(buf.Bytes(), []byte("debug line")))

			_ = level.Warn(logger).Log("msg", "warn line")
			assert.Equal(t, testCase.wantWarn, bytes.Contains(buf.Bytes(), []byte("warn line")))
		})
	}
}
