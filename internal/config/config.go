// Package config loads the layered application configuration: hardcoded
// defaults, then an optional YAML file, then command-line flags, each
// layer overriding the last.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

type Config struct {
	Log     LogConfig     `koanf:"log"`
	Server  ServerConfig  `koanf:"server"`
	Manager ManagerConfig `koanf:"manager"`
	Queue   QueueConfig   `koanf:"queue"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
	File   string `koanf:"file"`
}

type ServerConfig struct {
	Addr string `koanf:"addr" validate:"required"`
}

type ManagerConfig struct {
	MaxQueues            int           `koanf:"max_queues" validate:"min=1"`
	EnableJobHistory     bool          `koanf:"enable_job_history"`
	EnableScheduling     bool          `koanf:"enable_scheduling"`
	HistoryRetentionDays int           `koanf:"history_retention_days" validate:"min=1"`
	MaxHistoryEntries    int           `koanf:"max_history_entries" validate:"min=1"`
	PollInterval         time.Duration `koanf:"poll_interval" validate:"min=1ms"`
}

// QueueConfig holds the default options applied to the default queue and
// any queue created without explicit options.
type QueueConfig struct {
	MaxConcurrentJobs int           `koanf:"max_concurrent_jobs" validate:"min=1"`
	MaxRetries        int           `koanf:"max_retries" validate:"min=0"`
	RetryDelay        time.Duration `koanf:"retry_delay" validate:"min=0"`
	JobTimeout        time.Duration `koanf:"job_timeout" validate:"min=0"`
	PollInterval      time.Duration `koanf:"poll_interval" validate:"min=1ms"`
	PriorityMode      string        `koanf:"priority_mode" validate:"oneof=fifo priority shortest-first"`
	AutoStart         bool          `koanf:"auto_start"`
	PersistentStorage bool          `koanf:"persistent_storage"`
	StorageBackend    string        `koanf:"storage_backend" validate:"oneof=fs sqlite"`
	StorageDirectory  string        `koanf:"storage_directory"`
}

// Default returns the baseline configuration every other source layers
// over.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Manager: ManagerConfig{
			MaxQueues:            16,
			EnableJobHistory:     true,
			EnableScheduling:     true,
			HistoryRetentionDays: 7,
			MaxHistoryEntries:    1000,
			PollInterval:         time.Second,
		},
		Queue: QueueConfig{
			MaxConcurrentJobs: 2,
			MaxRetries:        3,
			RetryDelay:        5 * time.Second,
			JobTimeout:        10 * time.Minute,
			PollInterval:      time.Second,
			PriorityMode:      "priority",
			AutoStart:         true,
			PersistentStorage: true,
			StorageBackend:    "fs",
			StorageDirectory:  "data/jobs",
		},
	}
}

func defaultAsMap() map[string]any {
	d := Default()
	return map[string]any{
		"log.level":                      d.Log.Level,
		"log.format":                     d.Log.Format,
		"log.file":                       d.Log.File,
		"server.addr":                    d.Server.Addr,
		"manager.max_queues":             d.Manager.MaxQueues,
		"manager.enable_job_history":     d.Manager.EnableJobHistory,
		"manager.enable_scheduling":      d.Manager.EnableScheduling,
		"manager.history_retention_days": d.Manager.HistoryRetentionDays,
		"manager.max_history_entries":    d.Manager.MaxHistoryEntries,
		"manager.poll_interval":          d.Manager.PollInterval,
		"queue.max_concurrent_jobs":      d.Queue.MaxConcurrentJobs,
		"queue.max_retries":              d.Queue.MaxRetries,
		"queue.retry_delay":              d.Queue.RetryDelay,
		"queue.job_timeout":              d.Queue.JobTimeout,
		"queue.poll_interval":            d.Queue.PollInterval,
		"queue.priority_mode":            d.Queue.PriorityMode,
		"queue.auto_start":               d.Queue.AutoStart,
		"queue.persistent_storage":       d.Queue.PersistentStorage,
		"queue.storage_backend":          d.Queue.StorageBackend,
		"queue.storage_directory":        d.Queue.StorageDirectory,
	}
}

// Load merges defaults, the optional config file and flags, then
// validates the result.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultAsMap(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("error loading defaults: %w", err)
	}

	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("error loading config file %s: %w", configFile, err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, fmt.Errorf("error loading command-line flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
