package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/skshohagmiah/rally/internal/client"
	"github.com/skshohagmiah/rally/internal/config"
	"github.com/skshohagmiah/rally/internal/packet"
)

type globals struct {
	cfgPath string
	address string
	port    int
}

func main() {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "rallyctl",
		Short: "Probe a rally server",
		Long: `rallyctl connects to a rally server as a client and runs one
discovery request or a ping burst.

Examples:
  rallyctl list --address=10.0.0.5
  rallyctl create arena
  rallyctl ping --count=5 --udp`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			flag.CommandLine.Parse(nil)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.cfgPath, "config", "c", "", "YAML client config file")
	pf.StringVarP(&g.address, "address", "a", "", "Server address")
	pf.IntVarP(&g.port, "port", "p", 0, "Server port")
	pf.AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(listCmd(g), createCmd(g), joinCmd(g), pingCmd(g))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	glog.Flush()
}

func (g *globals) config() (config.ClientConfig, error) {
	cfg := config.DefaultClientConfig()
	if g.cfgPath != "" {
		var err error
		if cfg, err = config.LoadClient(g.cfgPath); err != nil {
			return cfg, err
		}
	}
	if g.address != "" {
		cfg.Address = g.address
	}
	if g.port != 0 {
		cfg.Port = g.port
	}
	return cfg, cfg.Validate()
}

// connect returns a connected client and a context bounded by the request
// timeout.
func (g *globals) connect() (*client.Client, context.Context, context.CancelFunc, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := client.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+cfg.RequestTimeout)
	if err := c.Connect(ctx); err != nil {
		cancel()
		return nil, nil, nil, errors.Wrapf(err, "connect %s", cfg.HostPort())
	}
	return c, ctx, cancel, nil
}

func printLobbies(lobbies ...*packet.LobbyIdentifier) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMEMBERS")
	for _, l := range lobbies {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\n", l.ID, l.Name, l.Count, l.Capacity)
	}
	w.Flush()
}

func listCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the server's lobbies",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := g.connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Disconnect()

			lobbies, err := c.AvailableLobbies().Wait(ctx)
			if err != nil {
				return err
			}
			printLobbies(lobbies...)
			return nil
		},
	}
}

func createCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a lobby",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := g.connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Disconnect()

			l, err := c.CreateLobby(args[0]).Wait(ctx)
			if err != nil {
				return err
			}
			printLobbies(l)
			return nil
		},
	}
}

func joinCmd(g *globals) *cobra.Command {
	var hold time.Duration

	cmd := &cobra.Command{
		Use:   "join <lobby-id>",
		Short: "Join a lobby and report updates until --hold passes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			c, ctx, cancel, err := g.connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Disconnect()

			c.OnSessionUpdate(func(s *packet.SessionIdentifier) {
				if s != nil {
					fmt.Printf("session: %s (%s)\n", s.Name, s.ID)
				}
			})
			l, err := c.JoinLobby(id).Wait(ctx)
			if err != nil {
				return err
			}
			printLobbies(l)

			c.OnLobbyUpdate(func(l *packet.LobbyIdentifier) {
				if l != nil {
					fmt.Printf("lobby: %s %d/%d\n", l.Name, l.Count, l.Capacity)
				}
			})
			c.StartKeepAlive(packet.TCP)
			time.Sleep(hold)
			return nil
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", 0, "How long to stay in the lobby")
	return cmd
}

func pingCmd(g *globals) *cobra.Command {
	var (
		count int
		udp   bool
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure round trips to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return errors.Errorf("count must be positive, got %d", count)
			}
			c, _, cancel, err := g.connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Disconnect()

			rtts := make(chan time.Duration, count)
			c.OnPing(func(rtt time.Duration) {
				select {
				case rtts <- rtt:
				default:
				}
			})

			t := packet.TCP
			if udp {
				t = packet.UDP
			}
			c.StartPinging(t)
			defer c.StopPinging()

			var total time.Duration
			for i := 0; i < count; i++ {
				select {
				case rtt := <-rtts:
					total += rtt
					fmt.Printf("%s: seq=%d rtt=%v\n", t, i, rtt)
				case <-time.After(5 * time.Second):
					return errors.Errorf("no answer after %d pings", i)
				}
			}
			fmt.Printf("avg rtt %v over %d pings\n", total/time.Duration(count), count)
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 4, "Number of pings")
	cmd.Flags().BoolVar(&udp, "udp", false, "Ping over UDP instead of TCP")
	return cmd
}
