// Package cmd provides the quire command-line interface.
//
// Configuration is read, in increasing order of precedence, from
// .quire.yml (or the file named by QUIRE_CONFIG_FILE or --config),
// environment variables following the QUIRE_<SECTION>_<OPTION> pattern and
// command-line flags.
//
//	QUIRE_SERVER_PORT=9000 quire serve
//	QUIRE_BUILD_CONTENT_DIR=pages quire build
package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConfigEnv names a configuration file to use instead of .quire.yml.
const ConfigEnv = "QUIRE_CONFIG_FILE"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quire",
	Short: "Incremental static site builder with live updates",
	Long: `Quire builds a site of HTML pages with YAML front matter, layouts and
partials. While serving, it recompiles only the pages a change affects and
patches open browsers in place.

Quick Start:
  quire serve              Build, watch and serve with live updates
  quire build              Build every page into the output directory
  quire deps <path>        List the pages a change to <path> affects
  quire version            Show version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.SetGlobalNormalizationFunc(normalizeFlag)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .quire.yml, can also use "+ConfigEnv+")")
	rootCmd.PersistentFlags().String("root", ".", "site root directory")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	_ = viper.BindPFlag("build.root", rootCmd.PersistentFlags().Lookup("root"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// normalizeFlag accepts config-style spellings such as --log_level.
func normalizeFlag(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// initConfig points viper at the configuration file and the environment.
// A missing file is not an error; defaults apply.
func initConfig() {
	configure(viper.GetViper(), cfgFile)
	_ = viper.ReadInConfig()
}

func configure(v *viper.Viper, file string) {
	switch {
	case file != "":
		v.SetConfigFile(file)
	case os.Getenv(ConfigEnv) != "":
		v.SetConfigFile(os.Getenv(ConfigEnv))
	default:
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".quire")
	}

	v.SetEnvPrefix("QUIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}
