package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var leaseRead bool

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a key, linearizably by default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{"key": {args[0]}}
		if leaseRead {
			q.Set("consistency", "lease")
		}
		var resp kvResponse
		if err := getJSON("/get", q, &resp); err != nil {
			return err
		}
		if !resp.Found {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Println(resp.Value)
		return nil
	},
}

func init() {
	getCmd.Flags().BoolVar(&leaseRead, "lease", false, "use the leader's read lease instead of ReadIndex")
}
