package command

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"munchkin/internal/game"
)

var playersCmd = &cobra.Command{
	Use:   "players",
	Short: "Manage players in the game roster",
}

var playersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List players",
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
		printPlayers(players)
		return nil
	},
}

var playersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a player",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := playerDataFromFlags(cmd)
		if err != nil {
			return err
		}

		c, _, err := connectAndJoin(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		players, err := c.CreatePlayer(cmd.Context(), data)
		if err != nil {
			color.Red("✗ Create failed: %v", err)
			return err
		}
		color.Green("✓ Player %s created", data.Name)
		printPlayers(players)
		return nil
	},
}

var playersUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update a player by id",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetInt64("id")
		if id <= 0 {
			return fmt.Errorf("--id is required")
		}
		data, err := playerDataFromFlags(cmd)
		if err != nil {
			return err
		}

		c, _, err := connectAndJoin(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		players, err := c.UpdatePlayer(cmd.Context(), game.Player{ID: id, PlayerData: data})
		if err != nil {
			color.Red("✗ Update failed: %v", err)
			return err
		}
		color.Green("✓ Player %d updated", id)
		printPlayers(players)
		return nil
	},
}

func playerDataFromFlags(cmd *cobra.Command) (game.PlayerData, error) {
	name, _ := cmd.Flags().GetString("name")
	level, _ := cmd.Flags().GetInt("level")
	gear, _ := cmd.Flags().GetInt("gear")
	gender, _ := cmd.Flags().GetString("gender")
	changed, _ := cmd.Flags().GetBool("gender-changed")

	data := game.PlayerData{
		Name:          name,
		Level:         level,
		Gear:          gear,
		Gender:        game.Gender(strings.ToUpper(gender)),
		GenderChanged: changed,
	}
	if err := data.Validate(); err != nil {
		return game.PlayerData{}, err
	}
	return data, nil
}

func printPlayers(players []game.Player) {
	if len(players) == 0 {
		color.Yellow("No players yet")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLEVEL\tGEAR\tPOWER\tGENDER")
	for _, p := range players {
		gender := string(p.Gender)
		if p.GenderChanged {
			gender += "*"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\n", p.ID, p.Name, p.Level, p.Gear, p.Level+p.Gear, gender)
	}
	w.Flush()
}

func init() {
	for _, cmd := range []*cobra.Command{playersCreateCmd, playersUpdateCmd} {
		cmd.Flags().String("name", "", "player name")
		cmd.Flags().Int("level", 1, "player level")
		cmd.Flags().Int("gear", 0, "gear bonus")
		cmd.Flags().String("gender", "M", "gender, M or F")
		cmd.Flags().Bool("gender-changed", false, "gender was changed by a curse")
	}
	playersUpdateCmd.Flags().Int64("id", 0, "player id")

	playersCmd.AddCommand(playersListCmd, playersCreateCmd, playersUpdateCmd)
	rootCmd.AddCommand(playersCmd)
}
