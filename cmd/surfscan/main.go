package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "surfscan",
	Short: "Web-application surface scanner",
	Long:  "surfscan renders web pages in a headless browser, detects client-side libraries, enriches them with advisory data and derives security findings.",
}

func main() {
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
