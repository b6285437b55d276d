package command

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"munchkin/internal/game"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print roster changes pushed by the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := connectAndJoin(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		players, err := c.ListPlayers(cmd.Context())
		if err != nil {
			return err
		}
		color.Cyan("Watching %s, Ctrl+C to stop", serverAddr())
		printPlayers(players)

		c.OnSynchronize(func(players []game.Player) {
			fmt.Println()
			color.Cyan("[%s] roster synchronized", time.Now().Format("15:04:05"))
			printPlayers(players)
		})

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case <-sigChan:
			return nil
		case <-c.Done():
			if reason := c.ShutdownReason(); reason != "" {
				color.Yellow("Server closed the connection: %s", reason)
			} else {
				color.Yellow("Server closed the connection")
			}
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
