package command

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join the game and print the session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, resp, err := connectAndJoin(cmd.Context())
		if err != nil {
			if resp.Status != "" {
				color.Red("✗ %v", err)
			}
			return err
		}
		defer c.Close()

		color.Green("✓ Joined %s", serverAddr())
		fmt.Printf("Peer:  %s\n", resp.Peer)
		fmt.Printf("Token: %s\n", resp.Token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
}
