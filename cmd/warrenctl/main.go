package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var addr string

var rootCmd = &cobra.Command{
	Use:   "warrenctl",
	Short: "warrenctl talks to a warren node's HTTP front end",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "localhost:8081", "front-end address of a warren node")
	rootCmd.AddCommand(statusCmd, putCmd, getCmd, deleteCmd)
}
