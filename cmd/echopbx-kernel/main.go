package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/EchoPBX/echopbx-kernel/internal/config"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/echopbx/kernel.yaml"

var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "echopbx-kernel",
	Short:         "Plugin kernel with an in-process event bus",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kernel version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "echopbx-kernel", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default $ECHOPBX_CONFIG or "+defaultConfigPath+")")
	rootCmd.AddCommand(serveCmd, checkCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves the config path from the flag, then ECHOPBX_CONFIG.
// Only an implicit default path may be missing; defaults apply then.
func loadConfig() (*config.Config, string, error) {
	path, explicit := cfgPath, true
	if path == "" {
		path = os.Getenv("ECHOPBX_CONFIG")
	}
	if path == "" {
		path, explicit = defaultConfigPath, false
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), path, nil
		}
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func banner(cfgPath string) string {
	return `
  ______     _           _____  ______   __
 |  ____|   | |         |  __ \|  _ \ \ / /
 | |__   ___| |__   ___ | |__) | |_) \ V / 
 |  __| / __| '_ \ / _ \|  ___/|  _ < > <  
 | |___| (__| | | | (_) | |    | |_) / . \ 
 |______\___|_| |_|\___/|_|    |____/_/ \_\
                                 
EchoPBX Kernel ` + version + ` - plugins + event bus
------------------------------------------
Config:  ` + cfgPath + `
`
}
