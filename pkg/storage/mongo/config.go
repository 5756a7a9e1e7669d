package mongo

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// Config for a MongoDB backed derived-view store.
type Config struct {
	URI                   string        `yaml:"uri"`
	Database              string        `yaml:"database"`
	DescriptorCollection  string        `yaml:"descriptor_collection"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	AllowDiskUse          bool          `yaml:"allow_disk_use"`
	BackgroundIndexBuilds bool          `yaml:"background_index_builds"`
}

// RegisterFlagsWithPrefix adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URI, prefix+"mongo.uri", "", "MongoDB connection URI. Derived views are kept in memory when empty.")
	f.StringVar(&cfg.Database, prefix+"mongo.database", "viewstage", "Database holding dataset and derived collections.")
	f.StringVar(&cfg.DescriptorCollection, prefix+"mongo.descriptor-collection", "derived_views", "Collection recording how derived collections were generated.")
	f.DurationVar(&cfg.ConnectTimeout, prefix+"mongo.connect-timeout", 10*time.Second, "Timeout for establishing the MongoDB connection.")
	f.BoolVar(&cfg.AllowDiskUse, prefix+"mongo.allow-disk-use", true, "Allow materialization pipelines to spill to disk.")
	f.BoolVar(&cfg.BackgroundIndexBuilds, prefix+"mongo.background-index-builds", false, "Build indexes in the background on servers that still honour the option.")
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// Enabled reports whether a MongoDB server is configured.
func (cfg *Config) Enabled() bool {
	return cfg.URI != ""
}

// Validate the config.
func (cfg *Config) Validate() error {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.Database == "" {
		return errors.New("mongo database is required when a URI is configured")
	}
	if cfg.DescriptorCollection == "" {
		return errors.New("mongo descriptor collection is required when a URI is configured")
	}
	if cfg.ConnectTimeout <= 0 {
		return errors.Errorf("invalid mongo connect timeout: %s", cfg.ConnectTimeout)
	}
	return nil
}
