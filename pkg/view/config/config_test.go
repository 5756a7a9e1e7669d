package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacurate/viewstage/pkg/cfg"
	"github.com/datacurate/viewstage/pkg/view/stages"
)

func defaultConfig(t *testing.T) Config {
	var c Config
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	c.RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))
	return c
}

func TestConfig_Defaults(t *testing.T) {
	c := defaultConfig(t)
	require.NoError(t, c.Validate())

	assert.Equal(t, stages.DefaultOptions(), c.Compiler.Options())
	assert.Equal(t, "derived.", c.Derived.CollectionPrefix)
	assert.Equal(t, "info", c.LogLevel.String())
	assert.Equal(t, "logfmt", c.LogFormat)
	assert.False(t, c.Mongo.Enabled())
}

func TestConfig_Validate(t *testing.T) {
	for name, tc := range map[string]struct {
		mutate func(*Config)
		err    string
	}{
		"zero meta filter depth": {
			mutate: func(c *Config) { c.Compiler.MetaFilterDepth = 0 },
			err:    "meta filter depth",
		},
		"zero cache": {
			mutate: func(c *Config) { c.Compiler.SimilarityCacheSize = 0 },
			err:    "similarity cache size",
		},
		"bad log format": {
			mutate: func(c *Config) { c.LogFormat = "xml" },
			err:    "invalid log format",
		},
		"mongo without database": {
			mutate: func(c *Config) {
				c.Mongo.URI = "mongodb://localhost"
				c.Mongo.Database = ""
			},
			err: "invalid mongo config",
		},
		"mongo without prefix": {
			mutate: func(c *Config) {
				c.Mongo.URI = "mongodb://localhost"
				c.Derived.CollectionPrefix = ""
			},
			err: "derived collection prefix",
		},
		"prefix optional without mongo": {
			mutate: func(c *Config) { c.Derived.CollectionPrefix = "" },
		},
	} {
		t.Run(name, func(t *testing.T) {
			c := defaultConfig(t)
			tc.mutate(&c)
			err := c.Validate()
			if tc.err == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestConfig_Parse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
compiler:
  attach_frames: true
  meta_filter_depth: 3
derived:
  collection_prefix: ${VIEWSTAGE_PREFIX}
mongo:
  database: curation
log_level: debug
log_format: json
`), 0o600))
	t.Setenv("VIEWSTAGE_PREFIX", "gen.")

	var c Config
	err := cfg.Parse(&c, []string{
		"-config.file=" + path,
		"-config.expand-env=true",
		"-view.similarity-cache-size=16",
	}, flag.NewFlagSet("test", flag.ContinueOnError))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, stages.Options{
		AttachFrames:        true,
		CreateIndexes:       true,
		MetaFilterDepth:     3,
		SimilarityCacheSize: 16,
	}, c.Compiler.Options())
	assert.Equal(t, "gen.", c.Derived.CollectionPrefix)
	assert.Equal(t, "curation", c.Mongo.Database)
	assert.Equal(t, "derived_views", c.Mongo.DescriptorCollection)
	assert.Equal(t, "debug", c.LogLevel.String())
	assert.Equal(t, "json", c.LogFormat)
}
