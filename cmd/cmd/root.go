// Copyright 2026 The llamadyn Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is set from main at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "llamadyn",
	Short: "Grammar-constrained token sampling engine",
	Long: `llamadyn samples tokens from model score distributions with repetition
penalties, configurable transform pipelines, grammar-constrained decoding
(including mid-generation grammar refresh from an external service) and
heuristic stop conditions.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-style", "console", "log style (console, json)")
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
}

func initConfig() {
	viper.SetEnvPrefix("LLAMADYN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// mustBindPFlag binds a viper key to a cobra flag, panicking on programmer
// error (a nil or misnamed flag).
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %q: %v", key, err))
	}
}
