package main

import (
	"fmt"
	"os"

	"github.com/ignatij/scoutflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "scoutflow",
	Short: "Plan and run multi-step research workflows",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
