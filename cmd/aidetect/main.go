package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "aidetect",
		Short: "Multi-signal AI assistance detection for code changes",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default aidetect.yaml in the working directory)")

	root.AddCommand(newDetectCmd(&configPath))
	root.AddCommand(newBackfillCmd(&configPath))
	root.AddCommand(newReconcileCmd(&configPath))
	root.AddCommand(newPatternsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
