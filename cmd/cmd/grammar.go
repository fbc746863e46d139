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

	"github.com/spf13/cobra"

	"github.com/AlienKevin/llamadyn/lib/grammar"
	"github.com/AlienKevin/llamadyn/lib/refresh"
)

var applyFixups bool

var grammarCmd = &cobra.Command{
	Use:   "grammar",
	Short: "Grammar tooling",
}

var grammarCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Compile a grammar file and report errors",
	Long: `Compile a GBNF grammar file and report whether the engine accepts it.

With --fixups the completion service's output normalizations are applied
first, which is what the engine does to refreshed grammars at runtime.

Examples:
  llamadyn grammar check my.gbnf
  llamadyn grammar check --fixups service-output.gbnf`,
	Args: cobra.ExactArgs(1),
	RunE: runGrammarCheck,
}

func init() {
	rootCmd.AddCommand(grammarCmd)
	grammarCmd.AddCommand(grammarCheckCmd)

	grammarCheckCmd.Flags().BoolVar(&applyFixups, "fixups", false, "apply the refresh-service fixups before compiling")
}

func runGrammarCheck(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	text := string(raw)
	if applyFixups {
		text = refresh.ApplyFixups(text, refresh.DefaultFixups)
	}

	g, err := grammar.Compile(text)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	fmt.Printf("%s: ok (%d rules)\n", args[0], g.RuleCount())
	return nil
}
