package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"github.com/skshohagmiah/rally/internal/config"
	"github.com/skshohagmiah/rally/internal/metrics"
	"github.com/skshohagmiah/rally/internal/server"
	"github.com/skshohagmiah/rally/internal/store"
)

// Version information set at build time.
var version = "dev"

func main() {
	rootCmd := serveCmd()
	rootCmd.AddCommand(lobbiesCmd(), versionCmd())

	// glog registers its flags on the standard flag set.
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// parseGlogFlags marks the standard flag set parsed; cobra already set the
// values through pflag.
func parseGlogFlags(*cobra.Command, []string) {
	flag.CommandLine.Parse(nil)
}

// loadConfig reads the optional YAML file and applies flags the user set
// explicitly on top of it.
func loadConfig(path string, flags *pflag.FlagSet, over config.ServerConfig) (config.ServerConfig, error) {
	cfg := config.DefaultServerConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadServer(path); err != nil {
			return cfg, err
		}
	}

	if flags.Changed("address") {
		cfg.Address = over.Address
	}
	if flags.Changed("port") {
		cfg.Port = over.Port
	}
	if flags.Changed("max-clients") {
		cfg.MaxClients = over.MaxClients
	}
	if flags.Changed("backlog") {
		cfg.Backlog = over.Backlog
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = over.DataDir
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = over.MetricsAddr
	}
	if flags.Changed("lobby-capacity") {
		cfg.LobbyCapacity = over.LobbyCapacity
	}
	return cfg, cfg.Validate()
}

func serveCmd() *cobra.Command {
	var (
		cfgPath string
		over    = config.DefaultServerConfig()
	)

	cmd := &cobra.Command{
		Use:   "rallyd",
		Short: "Run a rally lobby server",
		Long: `rallyd accepts rally clients over TCP and UDP on the same port,
groups them into lobbies and sessions and routes their commands.

Examples:
  rallyd --port=19999 --data-dir=/var/lib/rally
  rallyd --config=rallyd.yaml --metrics-addr=:9100 -v=2`,
		SilenceUsage:     true,
		SilenceErrors:    true,
		PersistentPreRun: parseGlogFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath, cmd.Flags(), over)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfgPath, "config", "c", "", "YAML config file")
	f.StringVar(&over.Address, "address", over.Address, "Address to bind")
	f.IntVarP(&over.Port, "port", "p", over.Port, "TCP and UDP port")
	f.IntVar(&over.MaxClients, "max-clients", over.MaxClients, "Maximum connected clients")
	f.IntVar(&over.Backlog, "backlog", over.Backlog, "Maximum handshakes in progress")
	f.StringVar(&over.DataDir, "data-dir", over.DataDir, "Lobby directory (empty keeps lobbies in memory only)")
	f.StringVar(&over.MetricsAddr, "metrics-addr", over.MetricsAddr, "Address for /metrics and /debug pages")
	f.IntVar(&over.LobbyCapacity, "lobby-capacity", over.LobbyCapacity, "Members per lobby")

	return cmd
}

func serve(cfg config.ServerConfig) error {
	m := metrics.New("rally")
	opts := []server.Option{
		server.WithMetrics(m),
		server.WithTracerProvider(otel.GetTracerProvider()),
	}

	if cfg.DataDir != "" {
		ls, err := store.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer ls.Close()
		opts = append(opts, server.WithStore(ls))
	}

	srv, err := server.New(cfg, opts...)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go serveDebug(cfg.MetricsAddr, srv, m)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		glog.Infof("[rallyd] %v received, shutting down", sig)
		err = srv.Stop()
		<-errc
	case err = <-errc:
		srv.Stop()
	}
	glog.Flush()
	return err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
