package cmd

import (
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teeline/smarthome-washer/internal/pkg/logging"
)

var _rootCmdOpts struct {
	cfgFile string
	debug   bool
}

var rootCmd = &cobra.Command{
	Use:   "smarthome-washer",
	Short: "Smart home fulfillment service and local device bridge",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _rootCmdOpts.debug {
			logrus.SetLevel(logrus.DebugLevel)
		}

		return logging.Configure(viper.GetViper())
	},
}

// Execute runs the top level command processor
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.cfgFile, "config", "", "config file (default is $HOME/.smarthome-washer.yaml)")
	rootCmd.PersistentFlags().BoolVar(&_rootCmdOpts.debug, "debug", false, "enable debug logging")
}

func initConfig() {
	if _rootCmdOpts.cfgFile != "" {
		viper.SetConfigFile(_rootCmdOpts.cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".smarthome-washer")
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logging.Logger(nil).Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

func checkRequiredFlags(needFlags ...string) error {
	missingFlags := []string{}

	for _, f := range needFlags {
		if !viper.IsSet(f) {
			missingFlags = append(missingFlags, f)
		}
	}

	if len(missingFlags) > 0 {
		itemPlural := "item"
		if len(missingFlags) > 1 {
			itemPlural = "items"
		}
		return fmt.Errorf("required config %s `%s` not set", itemPlural, strings.Join(missingFlags, "`, `"))
	}

	return nil
}
