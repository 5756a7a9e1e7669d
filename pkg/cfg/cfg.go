// Package cfg merges configuration from flag defaults, YAML files and
// command line flags.
package cfg

import (
	"flag"
	"reflect"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

// Source is a generic configuration source. This function may do whatever is
// required to obtain the configuration. It is passed a pointer to the
// destination, which will be something compatible to `yaml.Unmarshal`. The
// obtained configuration may be written to this object, it may also contain
// data from previous sources.
type Source func(interface{}) error

// Unmarshal merges the values of the various configuration sources and sets them on
// `dst`. The object must be compatible with `yaml.Unmarshal`.
func Unmarshal(dst interface{}, sources ...Source) error {
	if len(sources) == 0 {
		panic("No sources supplied to cfg.Unmarshal(). This is most likely a programming issue and should never happen. Check the code!")
	}
	for _, source := range sources {
		if err := source(dst); err != nil {
			return errors.Wrap(err, "sourcing")
		}
	}
	return nil
}

// Parse loads dst from flag defaults, the YAML file named by the
// `config.file` flag (if set) and finally the flags in args.
func Parse(dst flagext.Registerer, args []string, fs *flag.FlagSet) error {
	if reflect.ValueOf(dst).Kind() != reflect.Ptr {
		panic("dst not a pointer")
	}
	return Unmarshal(dst,
		Defaults(fs),
		ConfigFileLoader(args, "config.file"),
		Flags(args, fs),
	)
}

// clone returns a zero value of dst's type.
func clone(dst interface{}) interface{} {
	return reflect.New(reflect.Indirect(reflect.ValueOf(dst)).Type()).Interface()
}
