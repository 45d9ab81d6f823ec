// Package config loads and hot-reloads the node's YAML configuration,
// following the struct-of-structs + yaml tag convention used by the
// storage-node example in the pack (PairDB's internal/config.Config).
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Flags are the boolean cluster-behavior knobs from spec.md §6.
type Flags struct {
	JoinNetwork       bool `yaml:"join_network"`
	NoRouteList       bool `yaml:"no_route_list"`
	MixStates         bool `yaml:"mix_states"`
	NoCsum            bool `yaml:"no_csum"`
	RandomizeStates   bool `yaml:"randomize_states"`
	KeepsIDsInCluster bool `yaml:"keeps_ids_in_cluster"`
}

// Config is the complete node configuration (spec.md §6).
type Config struct {
	Family      int    `yaml:"family"`
	Port        int    `yaml:"port"`
	BindAddrs   []string `yaml:"bind_addrs"`

	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
	StallCount   int           `yaml:"stall_count"`

	IOThreadNum            int `yaml:"io_thread_num"`
	NonblockingIOThreadNum int `yaml:"nonblocking_io_thread_num"`
	NetThreadNum           int `yaml:"net_thread_num"`

	BgIonicClass int `yaml:"bg_ionice_class"`
	BgIonicPrio  int `yaml:"bg_ionice_prio"`
	ServerPrio   int `yaml:"server_prio"`
	ClientPrio   int `yaml:"client_prio"`

	ReconnectBatchSize int `yaml:"reconnect_batch_size"`
	SendLimit          int `yaml:"send_limit"`

	Flags Flags `yaml:"flags"`

	// AuthCookie is the fixed-length opaque authentication cookie
	// compared constant-time at handshake (spec.md §6, §1 Non-goals).
	AuthCookie string `yaml:"auth_cookie"`

	QueueLimit int `yaml:"queue_limit"`

	LogLevel string `yaml:"log_level"`

	MetricsAddr string `yaml:"metrics_addr"`

	// ReconnectDBPath is where peer-address reconnect/backoff state is
	// persisted (internal/recovery), independent of in-flight
	// transactions, which are never persisted (Non-goal).
	ReconnectDBPath string `yaml:"reconnect_db_path"`
}

// Default returns a Config with the same defaults the reference CLI ships
// with.
func Default() Config {
	return Config{
		Family:                 2,
		Port:                   1025,
		WaitTimeout:            60 * time.Second,
		CheckTimeout:           20 * time.Second,
		StallCount:             3,
		IOThreadNum:            2,
		NonblockingIOThreadNum: 2,
		NetThreadNum:           1,
		ServerPrio:             0,
		ClientPrio:             0,
		ReconnectBatchSize:     8,
		SendLimit:              128,
		QueueLimit:             0,
		LogLevel:               "info",
	}
}

// Load reads and parses a YAML config file, starting from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "config: read")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "config: parse")
	}
	return cfg, nil
}
