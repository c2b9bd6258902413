// Package cli bootstraps viper for cobra commands and resolves flag values
// with flag > env > config file precedence.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ViperConfig defines command-level viper bootstrap settings.
type ViperConfig struct {
	EnvPrefix    string
	ConfigEnvVar string
}

// ConfigPath returns the --config value from cmd or its root, falling back
// to the env var named in cfg.
func ConfigPath(cmd *cobra.Command, cfg ViperConfig) (string, error) {
	flags := cmd.Flags()
	if root := cmd.Root(); root != nil && root.PersistentFlags().Lookup("config") != nil {
		flags = root.PersistentFlags()
	}
	if flags.Lookup("config") != nil {
		path, err := flags.GetString("config")
		if err != nil {
			return "", fmt.Errorf("read config flag: %w", err)
		}
		if path != "" {
			return path, nil
		}
	}
	if cfg.ConfigEnvVar != "" {
		return os.Getenv(cfg.ConfigEnvVar), nil
	}
	return "", nil
}

// InitViperFromCommand resets viper, enables env lookups under the prefix,
// and reads the config file if one is configured.
func InitViperFromCommand(cmd *cobra.Command, cfg ViperConfig) error {
	path, err := ConfigPath(cmd, cfg)
	if err != nil {
		return err
	}

	viper.Reset()
	viper.SetEnvPrefix(cfg.EnvPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		var missing viper.ConfigFileNotFoundError
		if !errors.As(err, &missing) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// resolve prefers an explicitly set flag, then viper (env or file), then
// the flag default.
func resolve[T any](cmd *cobra.Command, key string, fromFlags func(*pflag.FlagSet, string) (T, error), fromViper func(string) T) T {
	value, err := fromFlags(cmd.Flags(), key)
	if err != nil {
		var zero T
		return zero
	}
	if f := cmd.Flags().Lookup(key); f == nil || (!f.Changed && viper.IsSet(key)) {
		return fromViper(key)
	}
	return value
}

func ResolveStringFlag(cmd *cobra.Command, key string) string {
	return resolve(cmd, key, (*pflag.FlagSet).GetString, viper.GetString)
}

func ResolveIntFlag(cmd *cobra.Command, key string) int {
	return resolve(cmd, key, (*pflag.FlagSet).GetInt, viper.GetInt)
}

func ResolveBoolFlag(cmd *cobra.Command, key string) bool {
	return resolve(cmd, key, (*pflag.FlagSet).GetBool, viper.GetBool)
}

func ResolveDurationFlag(cmd *cobra.Command, key string) time.Duration {
	return resolve(cmd, key, (*pflag.FlagSet).GetDuration, viper.GetDuration)
}

func ResolveStringSliceFlag(cmd *cobra.Command, key string) []string {
	return resolve(cmd, key, (*pflag.FlagSet).GetStringSlice, viper.GetStringSlice)
}

// Changed reports whether key was set explicitly or through viper.
func Changed(cmd *cobra.Command, key string) bool {
	if f := cmd.Flags().Lookup(key); f != nil && f.Changed {
		return true
	}
	return viper.IsSet(key)
}
