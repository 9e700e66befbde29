// Package config holds the node settings. They are read once at startup
// and never change afterwards.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config is the complete node configuration.
type Config struct {
	DataDir    string   `yaml:"data_dir"`
	ListenHost string   `yaml:"listen_host"`
	Port       int      `yaml:"port"`
	Bootstrap  []string `yaml:"bootstrap"`
	Latitude   float64  `yaml:"latitude"`
	Longitude  float64  `yaml:"longitude"`
	MDNS       bool     `yaml:"mdns"`
	NAT        bool     `yaml:"nat"`
	APIAddr    string   `yaml:"api_addr"`

	Overlay   Overlay   `yaml:"overlay"`
	Catalog   Catalog   `yaml:"catalog"`
	Providers Providers `yaml:"providers"`
	Download  Download  `yaml:"download"`
	TPM       TPM       `yaml:"tpm"`
}

// Overlay tunes the peer directory and messaging layer.
type Overlay struct {
	SendTimeout     time.Duration `yaml:"send_timeout"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RecordTTL       time.Duration `yaml:"record_ttl"`
	InboundWorkers  int           `yaml:"inbound_workers"`
}

// Catalog tunes catalog exchange and prediction.
type Catalog struct {
	Timeout            time.Duration `yaml:"timeout"`
	PredictionEnabled  bool          `yaml:"prediction_enabled"`
	PredictionInterval time.Duration `yaml:"prediction_interval"`
	// Prefetch is how many predicted items to download ahead of demand.
	Prefetch int `yaml:"prefetch"`
}

// Providers tunes provider discovery.
type Providers struct {
	Timeout        time.Duration `yaml:"timeout"`
	Fanout         int           `yaml:"fanout"`
	FilterCapacity uint32        `yaml:"filter_capacity"`
}

// Download tunes the transfer protocol.
type Download struct {
	ChunkSize       int           `yaml:"chunk_size"`
	Retries         int           `yaml:"retries"`
	Backoff         time.Duration `yaml:"backoff"`
	StallTimeout    time.Duration `yaml:"stall_timeout"`
	TransferWorkers int           `yaml:"transfer_workers"`
}

// TPM tunes the topology proximity monitor.
type TPM struct {
	SortClosestTimeout time.Duration `yaml:"sort_closest_timeout"`
	TracerouteCommand  string        `yaml:"traceroute_command"`
	MaxHops            int           `yaml:"max_hops"`
	WhoisAddr          string        `yaml:"whois_addr"`
	ResolveSpecial     bool          `yaml:"resolve_special"`
	CompactNullHops    bool          `yaml:"compact_null_hops"`
	Anchor             string        `yaml:"anchor"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenHost: "0.0.0.0",
		Port:       4001,
		MDNS:       true,
		APIAddr:    "127.0.0.1:8080",
		Overlay: Overlay{
			SendTimeout:     5 * time.Second,
			RefreshInterval: 30 * time.Minute,
			RecordTTL:       4 * time.Hour,
			InboundWorkers:  32,
		},
		Catalog: Catalog{
			Timeout:            10 * time.Second,
			PredictionEnabled:  true,
			PredictionInterval: time.Hour,
		},
		Providers: Providers{
			Timeout:        10 * time.Second,
			Fanout:         2,
			FilterCapacity: 1024,
		},
		Download: Download{
			ChunkSize:       64 * 1024,
			Retries:         3,
			Backoff:         300 * time.Millisecond,
			StallTimeout:    30 * time.Second,
			TransferWorkers: 4,
		},
		TPM: TPM{
			SortClosestTimeout: 3 * time.Second,
			MaxHops:            30,
			WhoisAddr:          "whois.cymru.com:43",
			CompactNullHops:    true,
			Anchor:             "8.8.8.8",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	check := func(ok bool, msg string) {
		if !ok {
			err = multierr.Append(err, errors.New(msg))
		}
	}
	check(c.Port >= 0 && c.Port <= 65535, "port out of range")
	check(c.Latitude >= -90 && c.Latitude <= 90, "latitude out of range")
	check(c.Longitude >= -180 && c.Longitude <= 180, "longitude out of range")
	check(c.Overlay.SendTimeout > 0, "overlay.send_timeout must be positive")
	check(c.Overlay.RefreshInterval > 0, "overlay.refresh_interval must be positive")
	check(c.Overlay.RecordTTL >= c.Overlay.RefreshInterval, "overlay.record_ttl must not be shorter than the refresh interval")
	check(c.Overlay.InboundWorkers > 0, "overlay.inbound_workers must be positive")
	check(c.Catalog.Timeout > 0, "catalog.timeout must be positive")
	check(!c.Catalog.PredictionEnabled || c.Catalog.PredictionInterval > 0, "catalog.prediction_interval must be positive")
	check(c.Catalog.Prefetch >= 0, "catalog.prefetch must not be negative")
	check(c.Providers.Timeout > 0, "providers.timeout must be positive")
	check(c.Providers.Fanout > 0, "providers.fanout must be positive")
	check(c.Providers.FilterCapacity > 0, "providers.filter_capacity must be positive")
	check(c.Download.ChunkSize > 0, "download.chunk_size must be positive")
	check(c.Download.Retries > 0, "download.retries must be positive")
	check(c.Download.StallTimeout > 0, "download.stall_timeout must be positive")
	check(c.Download.TransferWorkers > 0, "download.transfer_workers must be positive")
	check(c.TPM.SortClosestTimeout > 0, "tpm.sort_closest_timeout must be positive")
	check(c.TPM.MaxHops > 0 && c.TPM.MaxHops <= 255, "tpm.max_hops out of range")
	if _, perr := netip.ParseAddr(c.TPM.Anchor); perr != nil {
		err = multierr.Append(err, fmt.Errorf("tpm.anchor: %w", perr))
	}
	return err
}
