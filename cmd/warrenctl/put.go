package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Write a key/value pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := putRequest{Key: args[0], Value: args[1], ClientID: newClientID(), Seq: 1}
		var resp kvResponse
		if err := postJSON("/put", req, &resp); err != nil {
			return err
		}
		fmt.Printf("OK\n")
		return nil
	},
}
