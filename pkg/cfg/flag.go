package cfg

import (
	"flag"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

// Defaults registers the flags of dst on fs, which sets their defaults on
// dst.
func Defaults(fs *flag.FlagSet) Source {
	return func(dst interface{}) error {
		r, ok := dst.(flagext.Registerer)
		if !ok {
			return errors.New("dst does not satisfy flagext.Registerer")
		}
		r.RegisterFlags(fs)
		return nil
	}
}

// Flags parses args into the flags registered by Defaults. Only flags that
// are set override values loaded by earlier sources.
func Flags(args []string, fs *flag.FlagSet) Source {
	return dFlags(fs, args)
}

func dFlags(fs *flag.FlagSet, args []string) Source {
	return func(interface{}) error {
		return fs.Parse(args)
	}
}
