package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bridgemq/bridgemq/cmd/admin"
	"github.com/bridgemq/bridgemq/cmd/allinone"
	"github.com/bridgemq/bridgemq/cmd/maintainer"
	"github.com/bridgemq/bridgemq/cmd/providers"
	"github.com/bridgemq/bridgemq/cmd/worker"
)

var rootCmd = cobra.Command{
	Use:   "bridgemq",
	Short: "bridgemq task queue server",

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logConfig zap.Config
		if devMode {
			logConfig = zap.NewDevelopmentConfig()
		} else {
			logConfig = zap.NewProductionConfig()
		}
		log, err := logConfig.Build()
		if err != nil {
			panic("failed to build logger: " + err.Error())
		}
		providers.Log = log
		if configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				log.Fatal("Failed to read config", zap.Error(err))
			}
			log.Info("Using config file", zap.String("path", viper.ConfigFileUsed()))
		}
	},
}

var devMode bool
var configFile string

func init() {
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.BoolVar(&devMode, "dev", false, "Dev mode")
	persistentFlags.StringVar(&configFile, "config", "", "Config file")

	viper.SetEnvPrefix("bridgemq")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		&worker.Cmd,
		&maintainer.Cmd,
		&allinone.Cmd,
		&admin.Cmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
	}
}
