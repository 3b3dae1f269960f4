package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"p2p-drt/internal/drtnode"
	"p2p-drt/internal/telemetry"
)

var version = "dev"

var (
	cfgFile     string
	name        string
	bind        string
	bootKind    string
	peers       string
	dnsNames    string
	nameserver  string
	dnsPort     uint16
	secKind     string
	dataDir     string
	metricsAddr string
	debug       bool
	logJSON     bool
)

var rootCmd = &cobra.Command{
	Use:          "drt-node",
	Short:        "drt-node runs an interactive distributed routing table peer",
	SilenceUsage: true,
	RunE:         runNode,
}

var keyCmd = &cobra.Command{
	Use:   "key <text>",
	Short: "Print the routing key a command would use for text",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(drtnode.ParseKey(args[0]).Hex())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfgFile, "config", "", "YAML config file")
	f.StringVar(&name, "name", "anon", "node name, selects the state directory")
	f.StringVar(&bind, "bind", ":0", "UDP bind address (e.g. :0 for random port)")
	f.StringVar(&bootKind, "bootstrap", "peername", "bootstrap provider: none, static, dns or peername")
	f.StringVar(&peers, "peers", "", "comma-separated seed addresses host:port (implies --bootstrap static)")
	f.StringVar(&dnsNames, "dns", "", "semicolon-separated seed hostnames (implies --bootstrap dns)")
	f.Uint16Var(&dnsPort, "dns-port", drtnode.DefaultSeedPort, "UDP port of the seeds named by --dns")
	f.StringVar(&nameserver, "nameserver", "", "DNS server host:port for --dns")
	f.StringVar(&secKind, "security", "derived", "security provider: null or derived")
	f.StringVar(&dataDir, "data-dir", "", "state directory (default per-user config dir)")
	f.StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	f.BoolVar(&debug, "debug", false, "debug logging")
	f.BoolVar(&logJSON, "log-json", false, "JSON log output")

	rootCmd.AddCommand(keyCmd, versionCmd)
}

// loadConfig reads --config and lets explicitly set flags win.
func loadConfig(cmd *cobra.Command) (drtnode.Config, error) {
	cfg, err := drtnode.LoadConfig(cfgFile)
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	if f.Changed("name") {
		cfg.Name = name
	}
	if f.Changed("bind") {
		cfg.Bind = bind
	}
	if f.Changed("bootstrap") {
		cfg.Bootstrap.Kind = bootKind
	}
	if f.Changed("peers") {
		ps, err := drtnode.ParsePeers(peers)
		if err != nil {
			return cfg, err
		}
		cfg.Bootstrap.Peers = ps
		if !f.Changed("bootstrap") {
			cfg.Bootstrap.Kind = "static"
		}
	}
	if f.Changed("dns") {
		cfg.Bootstrap.Hostnames = dnsNames
		if !f.Changed("bootstrap") {
			cfg.Bootstrap.Kind = "dns"
		}
	}
	if f.Changed("dns-port") {
		cfg.Bootstrap.Port = dnsPort
	}
	if f.Changed("nameserver") {
		cfg.Bootstrap.Nameserver = nameserver
	}
	if f.Changed("security") {
		cfg.Security.Kind = secKind
	}
	if f.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if f.Changed("metrics") {
		cfg.MetricsAddr = metricsAddr
	}
	if f.Changed("debug") {
		cfg.Debug = debug
	}
	if f.Changed("log-json") {
		cfg.LogJSON = logJSON
	}
	return cfg, cfg.Validate()
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	zl, err := telemetry.NewZapLogger(cfg.LogJSON, cfg.Debug)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := telemetry.NewZap(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := drtnode.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	defer func() {
		if err := app.StopAll(); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	return app.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
