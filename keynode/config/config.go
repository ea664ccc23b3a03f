package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/LumeraProtocol/keynode/client/requester"
	"github.com/LumeraProtocol/keynode/client/scheduler"
	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/logtrace"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. KEYNODE_P2P_PORT.
const EnvPrefix = "KEYNODE"

// Config represents the YAML configuration structure
type Config struct {
	Node struct {
		ID      string `yaml:"id" mapstructure:"id"`
		DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
	} `yaml:"node" mapstructure:"node"`

	P2P struct {
		ListenAddress    string   `yaml:"listen_address" mapstructure:"listen_address"`
		Port             uint16   `yaml:"port" mapstructure:"port"`
		BootstrapNodes   []string `yaml:"bootstrap_nodes" mapstructure:"bootstrap_nodes"`
		SwapRequestRate  float64  `yaml:"swap_request_rate" mapstructure:"swap_request_rate"`
		SwapRequestBurst int      `yaml:"swap_request_burst" mapstructure:"swap_request_burst"`
	} `yaml:"p2p" mapstructure:"p2p"`

	Scheduler struct {
		PriorityPolicy  string `yaml:"priority_policy" mapstructure:"priority_policy"`
		SoftWeights     []int  `yaml:"soft_weights,omitempty" mapstructure:"soft_weights"`
		StartsPerSecond int    `yaml:"starts_per_second" mapstructure:"starts_per_second"`
		Workers         int    `yaml:"workers" mapstructure:"workers"`
	} `yaml:"scheduler" mapstructure:"scheduler"`

	Swap struct {
		Timeout             time.Duration `yaml:"timeout" mapstructure:"timeout"`
		MaxHTL              int           `yaml:"max_htl" mapstructure:"max_htl"`
		ResetOdds           int           `yaml:"reset_odds" mapstructure:"reset_odds"`
		InitialSwapInterval time.Duration `yaml:"initial_swap_interval" mapstructure:"initial_swap_interval"`
		MinSwapTime         time.Duration `yaml:"min_swap_time" mapstructure:"min_swap_time"`
		MaxSwapTime         time.Duration `yaml:"max_swap_time" mapstructure:"max_swap_time"`
		Workers             int           `yaml:"workers" mapstructure:"workers"`
	} `yaml:"swap" mapstructure:"swap"`

	Storage struct {
		BlockCacheBytes int64  `yaml:"block_cache_bytes" mapstructure:"block_cache_bytes"`
		NodeDB          string `yaml:"node_db" mapstructure:"node_db"`
	} `yaml:"storage" mapstructure:"storage"`

	Metrics struct {
		Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
		ListenAddress string `yaml:"listen_address" mapstructure:"listen_address"`
	} `yaml:"metrics" mapstructure:"metrics"`

	Log struct {
		Level string `yaml:"level" mapstructure:"level"`
		Env   string `yaml:"env" mapstructure:"env"`
	} `yaml:"log" mapstructure:"log"`
}

// NodeDBPath is the node database file under the data directory, unless
// configured as an absolute path.
func (c *Config) NodeDBPath() string {
	if c.Storage.NodeDB == ":memory:" || filepath.IsAbs(c.Storage.NodeDB) {
		return c.Storage.NodeDB
	}
	return filepath.Join(c.Node.DataDir, c.Storage.NodeDB)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node.id is required in config file")
	}
	if c.P2P.Port == 0 {
		return errors.New("p2p.port must be set")
	}
	policy, err := scheduler.ParsePriorityPolicy(c.Scheduler.PriorityPolicy)
	if err != nil {
		return errors.Errorf("scheduler.priority_policy: %w", err)
	}
	c.Scheduler.PriorityPolicy = string(policy)
	if n := len(c.Scheduler.SoftWeights); n != 0 && n != requester.NumPriorityClasses {
		return errors.Errorf("scheduler.soft_weights: need %d weights, got %d", requester.NumPriorityClasses, n)
	}
	if c.Swap.MaxHTL < 1 {
		return errors.New("swap.max_htl must be at least 1")
	}
	if c.Swap.ResetOdds < 1 {
		return errors.New("swap.reset_odds must be at least 1")
	}
	if c.Swap.MinSwapTime <= 0 || c.Swap.MaxSwapTime < c.Swap.MinSwapTime {
		return errors.Errorf("swap: need 0 < min_swap_time <= max_swap_time, got %s and %s", c.Swap.MinSwapTime, c.Swap.MaxSwapTime)
	}
	if c.Swap.Timeout <= 0 {
		return errors.New("swap.timeout must be positive")
	}
	if c.Storage.BlockCacheBytes <= 0 {
		return errors.New("storage.block_cache_bytes must be positive")
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return errors.Errorf("log.level: %w", err)
	}
	return nil
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// every key needs a default for environment overrides to apply to
	// keys the file omits
	raw, err := yaml.Marshal(Default())
	if err != nil {
		return nil, errors.Wrap(err, "marshal defaults")
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, errors.Wrap(err, "read defaults")
	}
	setDefaults(v, "", tree)
	return v, nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Errorf("error parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig loads the configuration from a file, applies defaults and
// KEYNODE_* environment overrides, and validates the result.
func LoadConfig(filename string) (*Config, error) {
	cfg, _, err := load(filename)
	return cfg, err
}

func load(filename string) (*Config, *viper.Viper, error) {
	ctx := context.Background()

	absPath, err := filepath.Abs(filename)
	if err != nil {
		return nil, nil, errors.Errorf("error getting absolute path for config file: %w", err)
	}
	logtrace.Info(ctx, "Loading configuration", logtrace.Fields{"path": absPath})

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil, nil, errors.Errorf("config file %s does not exist", absPath)
	}

	v, err := newViper()
	if err != nil {
		return nil, nil, err
	}
	v.SetConfigFile(absPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, errors.Errorf("error reading config file: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// SaveConfig writes cfg as YAML, creating the parent directory.
func SaveConfig(cfg *Config, filename string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return errors.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// EnsureDirs creates the data directory.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.Node.DataDir, 0700); err != nil {
		return errors.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	v        *viper.Viper
	onChange func(ctx context.Context, cfg *Config)
}

// Watch loads filename and calls onChange with every valid new version.
// Invalid edits are logged and skipped.
func Watch(filename string, onChange func(ctx context.Context, cfg *Config)) (*Config, *Watcher, error) {
	cfg, v, err := load(filename)
	if err != nil {
		return nil, nil, err
	}
	w := &Watcher{v: v, onChange: onChange}
	v.OnConfigChange(w.handle)
	v.WatchConfig()
	return cfg, w, nil
}

func (w *Watcher) handle(e fsnotify.Event) {
	ctx := logtrace.CtxWithCorrelationID(context.Background(), "config-reload")
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	cfg, err := decode(w.v)
	if err != nil {
		logtrace.Error(ctx, "ignoring invalid config change", logtrace.Fields{
			"path":              e.Name,
			logtrace.FieldError: err.Error(),
		})
		return
	}
	logtrace.Info(ctx, "configuration reloaded", logtrace.Fields{"path": e.Name})
	if w.onChange != nil {
		w.onChange(ctx, cfg)
	}
}
