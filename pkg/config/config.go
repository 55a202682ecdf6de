// Package config loads the node configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level node configuration.
type Config struct {
	Cluster ClusterConfig `yaml:"cluster"`
	Node    NodeConfig    `yaml:"node"`
	Pool    PoolConfig    `yaml:"pool"`
	Schema  SchemaConfig  `yaml:"schema"`
	Storage StorageConfig `yaml:"storage"`
}

// ClusterConfig names the cluster this node joins.
type ClusterConfig struct {
	Name          string        `yaml:"name"`
	DiscoveryAddr string        `yaml:"discovery_addr"`
	HeartbeatMax  time.Duration `yaml:"heartbeat_max"`
	Replicas      int           `yaml:"replicas"`
}

// NodeConfig describes this node's identity and listeners.
type NodeConfig struct {
	Name       string `yaml:"name"`
	Host       string `yaml:"host"`
	HTTPPort   int    `yaml:"http_port"`
	BinaryPort int    `yaml:"binary_port"`
	Region     string `yaml:"region"`
	DataDir    string `yaml:"data_dir"`
}

// PoolConfig bounds the database pool.
type PoolConfig struct {
	MaxQueues      int           `yaml:"max_queues"`
	CountCap       int           `yaml:"count_cap"`
	ActiveTimeout  time.Duration `yaml:"active_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	CheckoutRetry  int           `yaml:"checkout_retry"`
	CleanupPeriod  time.Duration `yaml:"cleanup_period"`
}

// SchemaConfig bounds the schema cache.
type SchemaConfig struct {
	LocalCacheSize   int `yaml:"local_cache_size"`
	ForeignCacheSize int `yaml:"foreign_cache_size"`
	MaxRecursion     int `yaml:"max_recursion"`
}

// StorageConfig tunes the on-disk volume format.
type StorageConfig struct {
	BlockSize   int    `yaml:"block_size"`
	Alignment   int    `yaml:"alignment"`
	Codec       string `yaml:"codec"`
}

// Default returns a Config with the standard constants
// (DB_RETRIES=10, HEARTBEAT_MAX, the 4 KiB/8-byte volume geometry).
func Default() Config {
	return Config{
		Cluster: ClusterConfig{
			Name:         "xapiand",
			HeartbeatMax: 10 * time.Second,
			Replicas:     3,
		},
		Node: NodeConfig{
			Host:       "0.0.0.0",
			HTTPPort:   8880,
			BinaryPort: 8890,
			DataDir:    "/var/lib/xapiand",
		},
		Pool: PoolConfig{
			MaxQueues:     1000,
			CountCap:      10,
			ActiveTimeout: 15 * time.Second,
			IdleTimeout:   60 * time.Second,
			CheckoutRetry: 10,
			CleanupPeriod: 30 * time.Second,
		},
		Schema: SchemaConfig{
			LocalCacheSize:   1000,
			ForeignCacheSize: 1000,
			MaxRecursion:     10,
		},
		Storage: StorageConfig{
			BlockSize: 4096,
			Alignment: 8,
			Codec:     "lz4",
		},
	}
}

// Load reads and parses a YAML config file, applying defaults first.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}
