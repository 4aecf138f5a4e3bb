// Package main implements the skic CLI - a thin demonstration front end
// over the Scalable Knowledge & Inference Core.
//
// Commands:
//   - add        adds a fact to a context
//   - query      matches a pattern against a context
//   - context-create  creates a context
//   - context-list    lists contexts
//   - infer      submits and runs a proof query through the inference manager
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"skic"
	"skic/internal/ast"
)

var (
	verbose     bool
	dataDir     string
	backendName string

	logger *zap.Logger
	mgr    *skic.Manager
)

var rootCmd = &cobra.Command{
	Use:   "skic",
	Short: "Scalable Knowledge & Inference Core - command line demo",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg := skic.DefaultConfig()
		if dataDir != "" {
			cfg.StorageDir = dataDir
		}
		switch backendName {
		case "memory":
			cfg.StorageBackendType = skic.InMemory
		case "sqlite":
			cfg.StorageBackendType = skic.SQLite
		default:
			cfg.StorageBackendType = skic.FileBased
		}

		mgr, err = skic.New(cfg, skic.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to initialize manager: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if mgr != nil {
			if errs := mgr.Shutdown(true); len(errs) > 0 {
				for _, err := range errs {
					fmt.Fprintf(os.Stderr, "shutdown warning: %v\n", err)
				}
			}
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var addCmd = &cobra.Command{
	Use:   "add <predicate> <context>",
	Short: "Add a nullary fact to a context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		predicate, contextID := args[0], args[1]
		fact := ast.NewApplication(ast.NewConstant(predicate, "Relation"), nil, "Prop")
		ok, err := mgr.AddStatement(fact, contextID, nil)
		if err != nil {
			return err
		}
		fmt.Printf("added=%v\n", ok)
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <predicate> <context>",
	Short: "Query whether a nullary fact matches in a context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		predicate, contextID := args[0], args[1]
		pattern := ast.NewApplication(ast.NewConstant(predicate, "Relation"), nil, "Prop")
		bindings, err := mgr.QueryStatementsMatchPattern(pattern, []string{contextID}, nil)
		if err != nil {
			return err
		}
		fmt.Printf("matches=%d\n", len(bindings))
		return nil
	},
}

var contextCreateCmd = &cobra.Command{
	Use:   "context-create <id> <parent> <kind>",
	Short: "Create a knowledge context",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mgr.CreateContext(args[0], args[1], args[2], "")
	},
}

var contextListCmd = &cobra.Command{
	Use:   "context-list",
	Short: "List known contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := mgr.ListContexts()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var inferCmd = &cobra.Command{
	Use:   "infer <predicate> <context>",
	Short: "Submit a proof query and print the result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		predicate, contextID := args[0], args[1]
		query := ast.NewApplication(ast.NewConstant(predicate, "Relation"), nil, "Prop")
		proofs, err := mgr.BatchProve([]ast.Node{query}, []string{contextID})
		if err != nil {
			return err
		}
		fmt.Printf("proven=%v\n", proofs[0].IsProven)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Storage directory (file-based backend)")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "file", "Storage backend: file, memory, sqlite")

	rootCmd.AddCommand(addCmd, queryCmd, contextCreateCmd, contextListCmd, inferCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
