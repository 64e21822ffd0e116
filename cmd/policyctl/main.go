// Command policyctl is a thin Cobra CLI over the engine package,
// grounded on the teacher's static CLI harness convention
// (runtime/cli/harness.go's cobra.Command root + RunE subcommands):
// "eval" runs one ad-hoc query against a policy file and an optional
// input document; "run" evaluates a rule path instead of a query.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ironleaf/polyrule/engine"
	"github.com/ironleaf/polyrule/limits"
	"github.com/ironleaf/polyrule/value"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var policyFiles []string
	var inputFile string
	var strictBuiltins bool
	var configFile string

	root := &cobra.Command{
		Use:     "policyctl",
		Short:   "Evaluate declarative policy modules from the command line",
		Version: "0.1.0",
	}
	root.PersistentFlags().StringArrayVarP(&policyFiles, "policy", "p", nil, "policy source file (repeatable)")
	root.PersistentFlags().StringVarP(&inputFile, "input", "i", "", "JSON input document file")
	root.PersistentFlags().BoolVar(&strictBuiltins, "strict-builtin-errors", false, "abort evaluation on builtin type errors instead of returning undefined")
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML file overriding the process-wide execution limits (time/instruction budget)")

	loadEngine := func() (*engine.Engine, error) {
		eng := engine.New()
		eng.SetStrictBuiltinErrors(strictBuiltins)
		if configFile != "" {
			cfg, err := limits.LoadConfig(configFile)
			if err != nil {
				return nil, fmt.Errorf("loading config %s: %w", configFile, err)
			}
			eng.SetProcessConfig(cfg)
		}
		for _, path := range policyFiles {
			src, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading policy %s: %w", path, err)
			}
			if _, err := eng.AddPolicy(path, string(src)); err != nil {
				return nil, fmt.Errorf("loading policy %s: %w", path, err)
			}
		}
		if inputFile != "" {
			text, err := os.ReadFile(inputFile)
			if err != nil {
				return nil, fmt.Errorf("reading input %s: %w", inputFile, err)
			}
			if err := eng.SetInputJSON(text); err != nil {
				return nil, fmt.Errorf("parsing input %s: %w", inputFile, err)
			}
		}
		return eng, nil
	}

	evalCmd := &cobra.Command{
		Use:   "eval <query>",
		Short: "Evaluate an ad-hoc query and print every solution as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadEngine()
			if err != nil {
				return err
			}
			results, err := eng.EvalQuery(args[0], false)
			if err != nil {
				return err
			}
			out := make([]map[string]any, 0, len(results))
			for _, r := range results {
				bindings := map[string]any{}
				for k, v := range r.Bindings {
					bindings[k] = value.ToJSON(v)
				}
				out = append(out, map[string]any{"bindings": bindings})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <rule-path>",
		Short: "Evaluate a rule path (e.g. data.authz.allow) and print its value as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadEngine()
			if err != nil {
				return err
			}
			v, err := eng.EvalRule(context.Background(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(value.ToJSON(v))
		},
	}

	root.AddCommand(evalCmd, runCmd)
	return root
}
