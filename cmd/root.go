// Package cmd holds the bowline CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bowline-sh/bowline/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bowline",
	Short: "Bowline - single-tenant Docker registry pull proxy",
	Long: `Bowline is a stateless, read-only Docker/OCI Registry V2 proxy.
It serves one owner's images under a vanity hostname while the layers
stay on the upstream registries (Docker Hub, GHCR).`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./bowline.toml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("bowline")
		viper.SetConfigType("toml")

		viper.AddConfigPath(".")
		if userConfigDir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(userConfigDir + "/bowline")
		}
		viper.AddConfigPath("/etc/bowline")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		logger.Fatal("failed to read config file", "path", cfgFile, "error", err)
	}
}
