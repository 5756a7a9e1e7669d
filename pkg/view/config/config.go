// Package config holds the configuration of the view compiler and its
// derived-view storage.
package config

import (
	"flag"

	dslog "github.com/grafana/dskit/log"
	"github.com/pkg/errors"

	"github.com/datacurate/viewstage/pkg/storage/mongo"
	util_log "github.com/datacurate/viewstage/pkg/util/log"
	"github.com/datacurate/viewstage/pkg/view/fieldsel"
	"github.com/datacurate/viewstage/pkg/view/stages"
)

// Config is the root config.
type Config struct {
	ConfigFile string `yaml:"-"`
	ExpandEnv  bool   `yaml:"-"`

	Compiler CompilerConfig `yaml:"compiler"`
	Derived  DerivedConfig  `yaml:"derived"`
	Mongo    mongo.Config   `yaml:"mongo"`

	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`
}

// CompilerConfig configures stage compilation.
type CompilerConfig struct {
	AttachFrames        bool `yaml:"attach_frames"`
	CreateIndexes       bool `yaml:"create_indexes"`
	MetaFilterDepth     int  `yaml:"meta_filter_depth"`
	SimilarityCacheSize int  `yaml:"similarity_cache_size"`
}

// DerivedConfig configures derived collections.
type DerivedConfig struct {
	CollectionPrefix string `yaml:"collection_prefix"`
}

// RegisterFlags registers flag.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ConfigFile, "config.file", "", "yaml file to load")
	f.BoolVar(&c.ExpandEnv, "config.expand-env", false, "Expands ${var} in config according to the values of the environment variables.")

	c.Compiler.RegisterFlags(f)
	c.Derived.RegisterFlags(f)
	c.Mongo.RegisterFlags(f)

	_ = c.LogLevel.Set("info")
	f.Var(&c.LogLevel, "log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&c.LogFormat, "log.format", util_log.FormatLogfmt, "Output log messages in the given format. Valid formats: [logfmt, json]")
}

// RegisterFlags registers flag.
func (c *CompilerConfig) RegisterFlags(f *flag.FlagSet) {
	defaults := stages.DefaultOptions()
	f.BoolVar(&c.AttachFrames, "view.attach-frames", defaults.AttachFrames, "Keep the frames of video samples in compiled pipelines.")
	f.BoolVar(&c.CreateIndexes, "view.create-indexes", defaults.CreateIndexes, "Create indexes requested by sort, group and geo stages.")
	f.IntVar(&c.MetaFilterDepth, "view.meta-filter-depth", defaults.MetaFilterDepth, "Maximum depth searched in field info by meta filters.")
	f.IntVar(&c.SimilarityCacheSize, "view.similarity-cache-size", defaults.SimilarityCacheSize, "Number of similarity sort pipelines cached.")
}

// RegisterFlags registers flag.
func (c *DerivedConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.CollectionPrefix, "derived.collection-prefix", "derived.", "Prefix of generated derived collection names.")
}

// Validate the config and returns an error if the validation doesn't pass.
func (c *Config) Validate() error {
	if err := c.Compiler.Validate(); err != nil {
		return errors.Wrap(err, "invalid compiler config")
	}
	if err := c.Mongo.Validate(); err != nil {
		return errors.Wrap(err, "invalid mongo config")
	}
	if c.Mongo.Enabled() && c.Derived.CollectionPrefix == "" {
		return errors.New("derived collection prefix is required with a mongo store")
	}
	switch c.LogFormat {
	case util_log.FormatLogfmt, util_log.FormatJSON:
	default:
		return errors.Errorf("invalid log format: %q", c.LogFormat)
	}
	return nil
}

// Validate the compiler config.
func (c *CompilerConfig) Validate() error {
	if c.MetaFilterDepth < fieldsel.DefaultInfoDepth {
		return errors.Errorf("meta filter depth must be at least %d, got %d", fieldsel.DefaultInfoDepth, c.MetaFilterDepth)
	}
	if c.SimilarityCacheSize < 1 {
		return errors.Errorf("similarity cache size must be positive, got %d", c.SimilarityCacheSize)
	}
	return nil
}

// Options returns the compiler options.
func (c *CompilerConfig) Options() stages.Options {
	return stages.Options{
		AttachFrames:        c.AttachFrames,
		CreateIndexes:       c.CreateIndexes,
		MetaFilterDepth:     c.MetaFilterDepth,
		SimilarityCacheSize: c.SimilarityCacheSize,
	}
}
