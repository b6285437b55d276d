package command

// root.go defines the root command and the flags shared by every subcommand.

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"munchkin/internal/logging"
	"munchkin/internal/microservices/tcp"
	"munchkin/internal/microservices/tcp/client"
	"munchkin/internal/transport"
)

var (
	host        string
	port        int
	timeout     time.Duration
	passcode    string
	gameVersion string
	verbose     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "munchkin",
	Short: "munchkin - client for the Munchkin level counter server",
	Long: `munchkin talks to a munchkin game server. It can:
- Join a game, with a passcode when the server is protected
- Create, update and list players
- Watch roster changes pushed by the server

Use "munchkin [command] --help" to see all available commands.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "warn"
		if verbose {
			level = "debug"
		}
		logging.NewWithWriter(os.Stderr, level, "text")
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&host, "host", "127.0.0.1", "game server host")
	rootCmd.PersistentFlags().IntVar(&port, "port", 7777, "game server port")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", transport.DefaultRequestTimeout, "request timeout")
	rootCmd.PersistentFlags().StringVar(&passcode, "passcode", "", "game passcode for protected servers")
	rootCmd.PersistentFlags().StringVar(&gameVersion, "game-version", tcp.DefaultVersion, "protocol version sent on join")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func serverAddr() string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// connect dials the server and waits for its welcome.
func connect(ctx context.Context) (*client.Client, tcp.WelcomeEvent, error) {
	c, err := client.Dial(ctx, serverAddr(), client.ClientOptions{
		RequestTimeout: timeout,
		Logger:         slog.Default(),
	})
	if err != nil {
		return nil, tcp.WelcomeEvent{}, err
	}

	welcomeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	welcome, err := c.Welcome(welcomeCtx)
	if err != nil {
		c.Close()
		return nil, tcp.WelcomeEvent{}, fmt.Errorf("no welcome from %s: %w", serverAddr(), err)
	}
	return c, welcome, nil
}

// connectAndJoin is connect followed by an accepted join.
func connectAndJoin(ctx context.Context) (*client.Client, tcp.JoinResponse, error) {
	c, welcome, err := connect(ctx)
	if err != nil {
		return nil, tcp.JoinResponse{}, err
	}
	if welcome.Protected && passcode == "" {
		c.Close()
		return nil, tcp.JoinResponse{}, fmt.Errorf("server is protected, use --passcode")
	}

	resp, err := c.Join(ctx, tcp.JoinRequest{Version: gameVersion, Passcode: passcode})
	if err != nil {
		c.Close()
		return nil, tcp.JoinResponse{}, err
	}
	if !resp.Accepted() {
		c.Close()
		return nil, resp, fmt.Errorf("join rejected: %s", resp.Reason)
	}
	return c, resp, nil
}
