package config

import "time"

// Centralized default values for configuration

const (
	DefaultListenAddress   = "0.0.0.0"
	DefaultP2PPort         = 4550
	DefaultDataDir         = "data"
	DefaultNodeDBFile      = "node.db"
	DefaultBlockCacheBytes = 256 << 20
	DefaultMetricsAddress  = "127.0.0.1:9550"
	DefaultPriorityPolicy  = "HARD"
	DefaultLogLevel        = "info"
	DefaultLogEnv          = "prod"

	DefaultSwapRequestRate  = 1.0
	DefaultSwapRequestBurst = 10
	DefaultStartsPerSecond  = 50
	DefaultSchedulerWorkers = 32
	DefaultSwapWorkers      = 16
	DefaultMaxHTL           = 10
	DefaultResetOdds        = 4000

	DefaultSwapTimeout         = 60 * time.Second
	DefaultInitialSwapInterval = 8 * time.Second
	DefaultMinSwapTime         = time.Second
	DefaultMaxSwapTime         = 60 * time.Second
)

// Default returns a configuration with every field set.
func Default() *Config {
	c := &Config{}
	c.Node.DataDir = DefaultDataDir

	c.P2P.ListenAddress = DefaultListenAddress
	c.P2P.Port = DefaultP2PPort
	c.P2P.SwapRequestRate = DefaultSwapRequestRate
	c.P2P.SwapRequestBurst = DefaultSwapRequestBurst

	c.Scheduler.PriorityPolicy = DefaultPriorityPolicy
	c.Scheduler.StartsPerSecond = DefaultStartsPerSecond
	c.Scheduler.Workers = DefaultSchedulerWorkers

	c.Swap.Timeout = DefaultSwapTimeout
	c.Swap.MaxHTL = DefaultMaxHTL
	c.Swap.ResetOdds = DefaultResetOdds
	c.Swap.InitialSwapInterval = DefaultInitialSwapInterval
	c.Swap.MinSwapTime = DefaultMinSwapTime
	c.Swap.MaxSwapTime = DefaultMaxSwapTime
	c.Swap.Workers = DefaultSwapWorkers

	c.Storage.BlockCacheBytes = DefaultBlockCacheBytes
	c.Storage.NodeDB = DefaultNodeDBFile

	c.Metrics.Enabled = true
	c.Metrics.ListenAddress = DefaultMetricsAddress

	c.Log.Level = DefaultLogLevel
	c.Log.Env = DefaultLogEnv
	return c
}
