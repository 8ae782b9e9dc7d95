package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of flowcore",
	Long:  `All software has versions. This is flowcore's.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("flowcore v0.1.0")
	},
}
