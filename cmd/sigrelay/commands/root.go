package commands

import (
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sigrelay",
	Short: "Two-party signed chat relay",
	Long: `sigrelay relays chat messages between two participants. Every message
and delivery acknowledgment is signed by its author and checked by the relay
before it is forwarded.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"), viper.GetString("log-handler"))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sigrelay.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-handler", "cli", "log output: cli, text or json")
	_ = viper.BindPFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd, chatCmd, discoverCmd, versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			log.WithError(err).Fatal("cannot find home directory")
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".sigrelay")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SIGRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		log.WithError(err).Fatalf("cannot read config file %s", cfgFile)
	}
}

func setupLogging(level, handler string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	log.SetLevel(lvl)

	switch handler {
	case "cli":
		log.SetHandler(cli.New(os.Stderr))
	case "text":
		log.SetHandler(text.New(os.Stderr))
	case "json":
		log.SetHandler(json.New(os.Stderr))
	default:
		return errors.Errorf("unknown log handler %q", handler)
	}
	return nil
}
