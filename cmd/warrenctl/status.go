package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the target node is the Raft leader",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp statusResponse
		if err := getJSON("/status", nil, &resp); err != nil {
			return err
		}
		role := "follower"
		if resp.IsLeader {
			role = "leader"
		}
		fmt.Printf("%s: %s (term %d)\n", addr, role, resp.Term)
		return nil
	},
}
