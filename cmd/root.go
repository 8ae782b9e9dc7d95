package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flowcore",
	Short: "flowcore drives flow definitions through the reconciler without a live queue worker.",
	Long: `flowcore is a command-line tool for exercising the flow engine locally: it loads
a flow definition, runs it to completion against an in-memory queue, and prints the
resulting status and final result, without requiring a running worker or database.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
