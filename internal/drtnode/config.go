package drtnode

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"p2p-drt/internal/discovery"
	"p2p-drt/internal/paths"
)

type Config struct {
	DataDir     string `yaml:"data_dir"`
	Name        string `yaml:"name"`
	Bind        string `yaml:"bind"`
	Debug       bool   `yaml:"debug"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`
	// NodeKey pins the node key (64 hex chars); empty derives or randomizes it.
	NodeKey string `yaml:"node_key"`

	Security  SecurityConfig  `yaml:"security"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Node      NodeConfig      `yaml:"node"`
}

type SecurityConfig struct {
	// Kind is "null" or "derived".
	Kind string `yaml:"kind"`
	// TrustedRoots are files holding DER root certificates of peers.
	TrustedRoots []string `yaml:"trusted_roots"`
	// ExportRoot, when set, receives this node's root certificate.
	ExportRoot string `yaml:"export_root"`
}

type BootstrapConfig struct {
	// Kind is "none", "static", "dns" or "peername".
	Kind string `yaml:"kind"`

	Peers []string `yaml:"peers"`

	Hostnames  string `yaml:"hostnames"`
	Port       uint16 `yaml:"port"`
	Nameserver string `yaml:"nameserver"`

	Cloud      string `yaml:"cloud"`
	LANPort    int    `yaml:"lan_port"`
	DisableLAN bool   `yaml:"disable_lan"`

	EndResolveTimeout time.Duration `yaml:"end_resolve_timeout"`
}

type NodeConfig struct {
	BootstrapTimeout    time.Duration `yaml:"bootstrap_timeout"`
	MaxBootstrapResults int           `yaml:"max_bootstrap_results"`
	SearchTimeout       time.Duration `yaml:"search_timeout"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	RPCRetries          int           `yaml:"rpc_retries"`
	BucketSize          int           `yaml:"bucket_size"`
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
}

// DefaultSeedPort is the UDP port DNS bootstrap assumes seeds listen on.
const DefaultSeedPort = 42042

func DefaultConfig() Config {
	return Config{
		DataDir:     paths.DefaultDataDir(),
		Name:        "anon",
		Bind:        ":0",
		MetricsAddr: "",
		Security:    SecurityConfig{Kind: "derived"},
		Bootstrap: BootstrapConfig{
			Kind:    "peername",
			Port:    DefaultSeedPort,
			Cloud:   discovery.DefaultCloud,
			LANPort: discovery.DefaultLANPort,
		},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Security.Kind {
	case "", "null", "derived":
	default:
		return fmt.Errorf("config: unknown security kind %q", c.Security.Kind)
	}
	switch c.Bootstrap.Kind {
	case "", "none", "peername":
	case "static":
		if len(c.Bootstrap.Peers) == 0 {
			return fmt.Errorf("config: static bootstrap needs peers")
		}
	case "dns":
		if c.Bootstrap.Hostnames == "" {
			return fmt.Errorf("config: dns bootstrap needs hostnames")
		}
		if c.Bootstrap.Port == 0 {
			return fmt.Errorf("config: dns bootstrap needs a seed port")
		}
	default:
		return fmt.Errorf("config: unknown bootstrap kind %q", c.Bootstrap.Kind)
	}
	return nil
}
