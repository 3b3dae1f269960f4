package drtnode

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2p-drt/internal/discovery"
)

func TestLoadConfig_EmptyPathGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "derived", cfg.Security.Kind)
	assert.Equal(t, "peername", cfg.Bootstrap.Kind)
	assert.Equal(t, discovery.DefaultLANPort, cfg.Bootstrap.LANPort)
}

func TestLoadConfig_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: alice
bind: 127.0.0.1:4000
security:
  kind: "null"
bootstrap:
  kind: static
  peers: ["127.0.0.1:4001", "127.0.0.1:4002"]
node:
  rpc_timeout: 750ms
  search_timeout: 4s
  bucket_size: 8
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Name)
	assert.Equal(t, "127.0.0.1:4000", cfg.Bind)
	assert.Equal(t, "null", cfg.Security.Kind)
	assert.Equal(t, []string{"127.0.0.1:4001", "127.0.0.1:4002"}, cfg.Bootstrap.Peers)
	assert.Equal(t, 750*time.Millisecond, cfg.Node.RPCTimeout)
	assert.Equal(t, 4*time.Second, cfg.Node.SearchTimeout)
	assert.Equal(t, 8, cfg.Node.BucketSize)
	// untouched defaults survive
	assert.Equal(t, discovery.DefaultCloud, cfg.Bootstrap.Cloud)
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad security", func(c *Config) { c.Security.Kind = "tls" }, false},
		{"bad bootstrap", func(c *Config) { c.Bootstrap.Kind = "mdns" }, false},
		{"static without peers", func(c *Config) { c.Bootstrap.Kind = "static" }, false},
		{"dns without hostnames", func(c *Config) { c.Bootstrap.Kind = "dns" }, false},
		{"dns", func(c *Config) { c.Bootstrap.Kind = "dns"; c.Bootstrap.Hostnames = "seed.example.org" }, true},
		{"none", func(c *Config) { c.Bootstrap.Kind = "none" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mut(&cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParsePeers(t *testing.T) {
	got, err := ParsePeers("127.0.0.1:1, 10.0.0.2:2 [::1]:3")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:1", "10.0.0.2:2", "[::1]:3"}, got)

	_, err = ParsePeers("localhost:1")
	assert.Error(t, err)
}
