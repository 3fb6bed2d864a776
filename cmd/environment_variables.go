package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

const (
	EnvironmentVariablePrefix = "CHANGEFEED_"

	// fileSuffix is appended to an env var name to indicate its value is
	// the path to a file containing the flag value.
	fileSuffix = "_FILE"
)

// SetFlagsFromEnvVariables sets each flag from an env variable whose name
// starts with `CHANGEFEED_`. Alternatively, if the env variable name ends with
// `_FILE` then the flag value is read from the named file. This permits
// secrets to be mounted as files rather than leaking into the environment.
func SetFlagsFromEnvVariables(fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		envVar := flagToEnvVarName(f)
		if val, present := os.LookupEnv(envVar); present {
			err = setFlag(fs, f, val)
			return
		}
		if strings.HasSuffix(envVar, fileSuffix) {
			// flag already ends with _file, so don't look for a _FILE_FILE
			// env var.
			return
		}
		if path, present := os.LookupEnv(envVar + fileSuffix); present {
			contents, readErr := os.ReadFile(path)
			if readErr != nil {
				err = fmt.Errorf("reading value for flag %s from %s: %w", f.Name, envVar+fileSuffix, readErr)
				return
			}
			err = setFlag(fs, f, string(contents))
		}
	})
	return err
}

func setFlag(fs *pflag.FlagSet, f *pflag.Flag, val string) error {
	if err := fs.Set(f.Name, val); err != nil {
		return fmt.Errorf("setting flag %s from environment: %w", f.Name, err)
	}
	return nil
}

func flagToEnvVarName(f *pflag.Flag) string {
	return fmt.Sprintf("%s%s", EnvironmentVariablePrefix, strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_"))
}
