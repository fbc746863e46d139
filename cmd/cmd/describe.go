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

	"github.com/spf13/cobra"
)

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Print the effective sampling parameters",
	Long: `Print the sampling parameters and the transform order that the
current flags, environment and config resolve to.

Examples:
  # Defaults
  llamadyn describe

  # With overrides
  llamadyn describe --temp 0.2 --order "t k"`,
	RunE: runDescribe,
}

func init() {
	rootCmd.AddCommand(describeCmd)
	describeCmd.Flags().AddFlagSet(runCmd.Flags())
}

func runDescribe(cmd *cobra.Command, args []string) error {
	p := paramsFromViper()
	fmt.Println(p.Describe())
	fmt.Println("sampling order:")
	fmt.Println(p.OrderDescription())
	return nil
}
