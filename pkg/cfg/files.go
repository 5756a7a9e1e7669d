package cfg

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/drone/envsubst"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// YAML returns a Source that opens the supplied `.yaml` file and loads it.
// When expandEnvVars is true, variables in the file are expanded using
// https://pkg.go.dev/github.com/drone/envsubst before decoding.
func YAML(f string, expandEnvVars bool) Source {
	return func(dst interface{}) error {
		y, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		err = dYAML(y, expandEnvVars)(dst)
		return errors.Wrap(err, f)
	}
}

// dYAML returns a YAML source and allows dependency injection
func dYAML(y []byte, expandEnvVars bool) Source {
	return func(dst interface{}) error {
		if expandEnvVars {
			s, err := envsubst.EvalEnv(string(y))
			if err != nil {
				return errors.Wrap(err, "expanding environment variables")
			}
			y = []byte(s)
		}
		return yaml.UnmarshalStrict(y, dst)
	}
}

// ConfigFileLoader looks up the config file named by the flag called name in
// args and loads it. A comma separated list loads the first file that
// exists. Nothing is loaded when the flag is unset.
func ConfigFileLoader(args []string, name string) Source {
	return func(dst interface{}) error {
		fresh := flag.NewFlagSet("config-file-loader", flag.ContinueOnError)
		fresh.SetOutput(io.Discard)
		// Register on a copy so parsing out the file location leaves dst alone.
		r, ok := clone(dst).(flagext.Registerer)
		if !ok {
			return errors.New("dst does not satisfy flagext.Registerer")
		}
		r.RegisterFlags(fresh)
		if err := fresh.Parse(args); err != nil {
			return err
		}

		f := fresh.Lookup(name)
		if f == nil || f.Value.String() == "" {
			return nil
		}
		expandEnv := false
		if e := fresh.Lookup("config.expand-env"); e != nil {
			expandEnv = e.Value.String() == "true"
		}

		for _, val := range strings.Split(f.Value.String(), ",") {
			path := strings.TrimSpace(val)
			if _, err := os.Stat(path); err == nil {
				return YAML(path, expandEnv)(dst)
			}
		}
		return fmt.Errorf("%s does not exist, set %s for custom config path", f.Value.String(), name)
	}
}
