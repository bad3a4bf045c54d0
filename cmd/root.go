/*
Copyright © 2020 hit.zhangjie@gmail.com

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hitzhangjie/gounwind/pkg/symbol"
	"github.com/hitzhangjie/gounwind/pkg/target"
)

const envPrefix = "GOUNWIND"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gounwind",
	Short: "unwind the call stacks of a running process",
	Long: `gounwind attaches to a running process and recovers the call stack of
each thread from .eh_frame, .debug_frame and .ARM.exidx unwind tables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gounwind.yaml)")
	rootCmd.PersistentFlags().Int("max-frames", 64, "maximum number of frames per thread")
	rootCmd.PersistentFlags().StringSlice("skip-libraries", nil, "leading frames in these libraries are not shown")
	rootCmd.PersistentFlags().StringSlice("skip-suffixes", nil, "leading frames in modules with these suffixes are not shown")
	rootCmd.PersistentFlags().Bool("resolve-names", true, "resolve function names")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Int("image-cache", 64, "number of images kept open")

	for key, flag := range map[string]string{
		"max_frames":     "max-frames",
		"skip_libraries": "skip-libraries",
		"skip_suffixes":  "skip-suffixes",
		"resolve_names":  "resolve-names",
		"log_level":      "log-level",
		"image_cache":    "image-cache",
	} {
		_ = viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Search config in home directory with name ".gounwind" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".gounwind")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		logrus.Debugf("using config file: %s", viper.ConfigFileUsed())
	}
}

func initLogger() error {
	lvl, err := logrus.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	return nil
}

// backtraceOptions builds the unwind options from the config.
func backtraceOptions() target.BacktraceOptions {
	return target.BacktraceOptions{
		MaxFrames:     viper.GetInt("max_frames"),
		SkipLibraries: viper.GetStringSlice("skip_libraries"),
		SkipSuffixes:  viper.GetStringSlice("skip_suffixes"),
		ResolveNames:  viper.GetBool("resolve_names"),
	}
}

func newLoader() (*symbol.Loader, error) {
	return symbol.NewLoader(viper.GetInt("image_cache"))
}
