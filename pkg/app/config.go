package app

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/gosuri/uitable"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/autopeer-io/carlogger/pkg/log"
)

const configFlagName = "config"

// envPrefix namespaces environment overrides, e.g. CPEER_LOG_LEVEL.
const envPrefix = "CPEER"

var cfgFile string

// addConfigFlag registers --config and prepares viper to read the file and
// environment once flags are parsed.
func addConfigFlag(basename string, fs *pflag.FlagSet) {
	fs.StringVarP(&cfgFile, configFlagName, "c", cfgFile, "Read configuration from specified `FILE`, support JSON, TOML, YAML, HCL, or Java properties formats.")

	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// loadConfig reads the config file named by --config, or searches the usual
// locations for <basename>.yaml when none is given.
func loadConfig(basename string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".carlogger"))
		}
		viper.AddConfigPath("/etc/carlogger")
		viper.SetConfigName(basename)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("failed to read configuration file(%s): %w", cfgFile, err)
	}

	return nil
}

// watchConfig logs edits to the loaded config file. Values are applied at
// startup only, so an edit takes effect on the next restart.
func watchConfig() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Warn("Configuration file changed, restart to apply", "file", e.Name, "op", e.Op.String())
	})
	viper.WatchConfig()
}

// printConfig renders every effective setting as a two-column table.
func printConfig(w *os.File) {
	keys := viper.AllKeys()
	sort.Strings(keys)

	table := uitable.New()
	table.MaxColWidth = 80
	table.Separator = " "
	table.AddRow("SETTING", "VALUE")
	for _, k := range keys {
		if isSecret(k) {
			table.AddRow(k, "******")
			continue
		}
		table.AddRow(k, fmt.Sprint(viper.Get(k)))
	}
	fmt.Fprintln(w, table)
}

func isSecret(key string) bool {
	return strings.HasSuffix(key, "password") || strings.HasSuffix(key, "secret-access-key")
}
