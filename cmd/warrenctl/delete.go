package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := deleteRequest{Key: args[0], ClientID: newClientID(), Seq: 1}
		var resp kvResponse
		if err := postJSON("/delete", req, &resp); err != nil {
			return err
		}
		fmt.Printf("OK\n")
		return nil
	},
}
