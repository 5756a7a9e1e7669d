package cfg

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYAMLBeforeFlags(t *testing.T) {
	var c Data
	fs := flag.NewFlagSet("test", flag.PanicOnError)

	err := Unmarshal(&c,
		Defaults(fs),
		dYAML([]byte(`
server:
  port: 2000
  timeout: 60h
tls:
  key: YAML
`), false),
		dFlags(fs, []string{"-verbose", "-server.port=21"}),
	)
	require.NoError(t, err)

	require.Equal(t, Data{
		Verbose: true,
		Server: Server{
			Port:    21,
			Timeout: 60 * time.Hour,
		},
		TLS: TLS{
			Cert: "CERT",
			Key:  "YAML",
		},
	}, c)
}

func TestYAML_Strict(t *testing.T) {
	var c Data
	err := dYAML([]byte("server:\n  prot: 2000\n"), false)(&c)
	assert.Error(t, err)
}

func TestYAML_ExpandEnv(t *testing.T) {
	t.Setenv("VIEWSTAGE_TEST_KEY", "from-env")

	for name, tc := range map[string]struct {
		expand   bool
		expected string
	}{
		"expanded":     {expand: true, expected: "from-env"},
		"not expanded": {expand: false, expected: "${VIEWSTAGE_TEST_KEY}"},
	} {
		t.Run(name, func(t *testing.T) {
			var c Data
			err := dYAML([]byte("tls:\n  key: ${VIEWSTAGE_TEST_KEY}\n"), tc.expand)(&c)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, c.TLS.Key)
		})
	}
}

func TestYAML_ExpandEnvDefault(t *testing.T) {
	var c Data
	err := dYAML([]byte("tls:\n  cert: ${VIEWSTAGE_TEST_UNSET_CERT:-fallback}\n"), true)(&c)
	require.NoError(t, err)
	assert.Equal(t, "fallback", c.TLS.Cert)
}

func TestParse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: ${VIEWSTAGE_TEST_PORT}\n  timeout: 5m\n"), 0o600))
	t.Setenv("VIEWSTAGE_TEST_PORT", "3000")

	for name, tc := range map[string]struct {
		args     []string
		expected Server
		err      bool
	}{
		"no file": {
			args:     []string{"-server.port=9"},
			expected: Server{Port: 9, Timeout: 60 * time.Second},
		},
		"file with env": {
			args:     []string{"-config.file=" + path, "-config.expand-env=true"},
			expected: Server{Port: 3000, Timeout: 5 * time.Minute},
		},
		"flag overrides file": {
			args:     []string{"-config.file=" + path, "-config.expand-env=true", "-server.timeout=1s"},
			expected: Server{Port: 3000, Timeout: time.Second},
		},
		"first existing file": {
			args:     []string{"-config.file=" + filepath.Join(dir, "missing.yaml") + "," + path, "-config.expand-env"},
			expected: Server{Port: 3000, Timeout: 5 * time.Minute},
		},
		"missing file": {
			args: []string{"-config.file=" + filepath.Join(dir, "missing.yaml")},
			err:  true,
		},
	} {
		t.Run(name, func(t *testing.T) {
			var c Data
			err := Parse(&c, tc.args, flag.NewFlagSet("test", flag.ContinueOnError))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, c.Server)
		})
	}
}
