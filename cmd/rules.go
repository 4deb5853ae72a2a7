package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"argus/detect"
	"argus/store"
)

// newRulesCmd creates the 'rules' command group
func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage the local rule store",
		Long: `Import rule documents into the local SQLite store, list and delete
stored documents, and validate rule directories without importing.`,
	}

	rulesCmd.AddCommand(newRulesImportCmd())
	rulesCmd.AddCommand(newRulesListCmd())
	rulesCmd.AddCommand(newRulesValidateCmd())
	rulesCmd.AddCommand(newRulesDeleteCmd())

	return rulesCmd
}

// openStore opens the configured rule store for a rules subcommand.
func openStore() (*store.Store, func(), error) {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.GetStorePath(), logger)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { st.Close() }, nil
}

// newRulesImportCmd creates the 'import' subcommand
func newRulesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <directory>",
		Short: "Import rule documents from a directory into the store",
		Long: `Walk a directory of YAML rule documents and upsert every valid rule
and correlation into the store. Documents that fail to parse or
validate are logged and skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			var s *spinner.Spinner
			if !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Importing rules..."
				s.Start()
			}

			loader := detect.NewDirLoader(args[0], nil)
			rules, correlations, err := loader.LoadDocuments()
			if err != nil {
				if s != nil {
					s.Stop()
				}
				return fmt.Errorf("load rule documents: %w", err)
			}

			imported := 0
			for i := range rules {
				if err := st.UpsertRule(&rules[i]); err != nil {
					if s != nil {
						s.Stop()
					}
					return fmt.Errorf("import rule %s: %w", rules[i].ID, err)
				}
				imported++
			}
			for i := range correlations {
				if err := st.UpsertCorrelation(&correlations[i]); err != nil {
					if s != nil {
						s.Stop()
					}
					return fmt.Errorf("import correlation %s: %w", correlations[i].ID, err)
				}
				imported++
			}

			if s != nil {
				s.Stop()
			}

			if outputJSON {
				return outputAsJSON(map[string]int{
					"rules":        len(rules),
					"correlations": len(correlations),
					"imported":     imported,
				})
			}

			successColor.Printf("Imported %d documents (%d rules, %d correlations)\n",
				imported, len(rules), len(correlations))
			return nil
		},
	}
}

// newRulesListCmd creates the 'list' subcommand
func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored rule documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			metas, err := st.List()
			if err != nil {
				return fmt.Errorf("list documents: %w", err)
			}

			if outputJSON {
				return outputAsJSON(metas)
			}

			renderDocuments(metas)
			return nil
		},
	}
}

// newRulesDeleteCmd creates the 'delete' subcommand
func newRulesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <document-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a stored rule document",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := st.Delete(args[0]); err != nil {
				return err
			}

			if !quiet {
				successColor.Printf("Deleted %s\n", args[0])
			}
			return nil
		},
	}
}

// newRulesValidateCmd creates the 'validate' subcommand
func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <directory>",
		Short: "Compile every rule document in a directory and report failures",
		Long: `Load a directory of rule documents and compile each one the way the
engine would: field modifiers, condition syntax and correlation
references are all checked. Nothing is imported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfigAndLogger()
			if err != nil {
				return err
			}

			loader := detect.NewDirLoader(args[0], logger)
			rules, correlations, err := loader.LoadDocuments()
			if err != nil {
				return fmt.Errorf("load rule documents: %w", err)
			}

			compiler := detect.NewCompiler(cfg.Engine.RegexTimeout, logger)
			byID := make(map[string]*detect.CompiledRule)
			byTitle := make(map[string]*detect.CompiledRule)

			failures := 0
			for i := range rules {
				compiled, err := compiler.Compile(&rules[i])
				if err != nil {
					failures++
					errorColor.Printf("FAIL  %s: %v\n", rules[i].ID, err)
					continue
				}
				byID[compiled.ID] = compiled
				byTitle[compiled.Name] = compiled
				if !quiet {
					successColor.Printf("OK    %s (%s)\n", compiled.ID, compiled.Name)
				}
			}

			resolve := func(ref string) *detect.CompiledRule {
				if rule, ok := byID[ref]; ok {
					return rule
				}
				return byTitle[ref]
			}
			for i := range correlations {
				compiled, err := detect.CompileCorrelation(&correlations[i], resolve)
				if err != nil {
					failures++
					errorColor.Printf("FAIL  %s: %v\n", correlations[i].ID, err)
					continue
				}
				if !quiet {
					successColor.Printf("OK    %s (%s)\n", compiled.ID, compiled.Name)
				}
			}

			total := len(rules) + len(correlations)
			if outputJSON {
				return outputAsJSON(map[string]int{
					"documents": total,
					"failures":  failures,
				})
			}

			fmt.Printf("%d documents checked\n", total)
			if failures > 0 {
				return fmt.Errorf("%d documents failed validation", failures)
			}
			successColor.Println("All documents valid")
			return nil
		},
	}
}
