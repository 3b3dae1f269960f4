package drtnode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"p2p-drt/internal/drt"
	"p2p-drt/internal/netx"
	"p2p-drt/internal/paths"
	"p2p-drt/internal/security"
	"p2p-drt/internal/storage/drtbolt"
	"p2p-drt/internal/telemetry"
)

type App struct {
	cfg    Config
	ui     Printer
	logger telemetry.Logger

	Node  *drt.Node
	tr    netx.Transport
	store *drtbolt.Store
	sec   security.Provider

	registry   *prometheus.Registry
	metricsSrv *http.Server

	// Current search, driven by /search and /next.
	searchMu sync.Mutex
	search   *drt.Search

	quit     chan struct{}
	quitOnce sync.Once
	stopOnce sync.Once
	stopErr  error
}

// New builds an app listening on cfg.Bind over UDP.
func New(cfg Config, logger telemetry.Logger) (*App, error) {
	tr, err := netx.ListenUDP(cfg.Bind)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logger, tr, NewStdPrinter(os.Stdout))
}

func newApp(cfg Config, logger telemetry.Logger, tr netx.Transport, ui Printer) (a *App, err error) {
	defer func() {
		if err != nil {
			_ = tr.Close()
		}
	}()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir, err := paths.EnsureDir(paths.NodeDir(cfg.DataDir, cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	store, err := drtbolt.Open(filepath.Join(dir, "drt.db"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()

	sec, err := buildSecurity(cfg.Security, store, cfg.Name)
	if err != nil {
		return nil, err
	}
	boot, err := buildBootstrap(cfg, store, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	pm, err := drt.NewPromMetrics(reg)
	if err != nil {
		return nil, err
	}

	nc := drt.DefaultConfig()
	nc.Transport = tr
	nc.Security = sec
	nc.Bootstrap = boot
	nc.Logger = logger
	nc.Debug = cfg.Debug
	nc.PeerStore = store
	nc.Metrics = pm
	if cfg.NodeKey != "" {
		k, err := drt.ParseKeyHex(cfg.NodeKey)
		if err != nil {
			return nil, fmt.Errorf("node_key: %w", err)
		}
		nc.NodeKey = k
	}
	applyNodeConfig(&nc, cfg.Node)

	n, err := drt.New(nc)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		ui:       ui,
		logger:   logger,
		Node:     n,
		tr:       tr,
		store:    store,
		sec:      sec,
		registry: reg,
		quit:     make(chan struct{}),
	}, nil
}

func applyNodeConfig(nc *drt.Config, c NodeConfig) {
	if c.BootstrapTimeout > 0 {
		nc.BootstrapTimeout = c.BootstrapTimeout
	}
	if c.MaxBootstrapResults > 0 {
		nc.MaxBootstrapResults = c.MaxBootstrapResults
	}
	if c.SearchTimeout > 0 {
		nc.SearchTimeout = c.SearchTimeout
	}
	if c.RPCTimeout > 0 {
		nc.RPCTimeout = c.RPCTimeout
	}
	if c.RPCRetries > 0 {
		nc.RPCRetries = c.RPCRetries
	}
	if c.BucketSize > 0 {
		nc.BucketSize = c.BucketSize
	}
	if c.RefreshInterval != 0 {
		nc.RefreshInterval = c.RefreshInterval
	}
}

// Start opens the node and the metrics endpoint.
func (a *App) Start(ctx context.Context) error {
	if err := a.Node.Open(ctx); err != nil {
		return err
	}

	if a.cfg.Security.ExportRoot != "" {
		if err := a.exportRoot(a.cfg.Security.ExportRoot); err != nil {
			a.logf("export root: %v", err)
		}
	}

	if a.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logf("metrics server: %v", err)
			}
		}()
		a.logf("metrics on http://%s/metrics", ln.Addr())
	}
	return nil
}

func (a *App) exportRoot(path string) error {
	rc, ok := a.sec.(interface{ RootCertificate() ([]byte, error) })
	if !ok {
		return errors.New("security provider has no root certificate")
	}
	der, err := rc.RootCertificate()
	if err != nil {
		return err
	}
	return os.WriteFile(path, der, 0o644)
}

// Run prints the banner, reads commands from stdin and prints node events
// until ctx is done or /quit is entered.
func (a *App) Run(ctx context.Context) error {
	PrintBanner(a.ui, a.Node)

	go a.readStdin(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.quit:
			return nil
		case <-a.Node.EventSignal():
			a.drainEvents()
		}
	}
}

func (a *App) drainEvents() {
	for {
		ev, ok := a.Node.GetEvent()
		if !ok {
			return
		}
		PrintEvent(a.ui, ev)
	}
}

func (a *App) requestQuit() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// StopAll ends any running search, closes the node (which unregisters
// every key), the metrics endpoint and the store.
func (a *App) StopAll() error {
	a.stopOnce.Do(func() {
		a.endSearch()

		var errs error
		errs = multierr.Append(errs, a.Node.Close())
		// Close the socket too in case Open never ran.
		errs = multierr.Append(errs, a.tr.Close())
		if a.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			errs = multierr.Append(errs, a.metricsSrv.Shutdown(ctx))
			cancel()
		}
		errs = multierr.Append(errs, a.store.Close())
		a.stopErr = errs
	})
	return a.stopErr
}

func (a *App) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}
