// Package config implements spec.md's ambient five-layer configuration
// precedence (flags > env > project > home > defaults), grounded on the
// teacher's internal/config/config.go doc comment, which already
// specifies that precedence but hand-rolls the merge. jobctl instead
// wires github.com/spf13/viper for the layering and
// github.com/fsnotify/fsnotify for live reload, per SPEC_FULL.md §1.1.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/jobctl/jobctl/internal/sentinel"
	"github.com/jobctl/jobctl/internal/workspace"
)

// EnvPrefix is the environment variable prefix viper binds to
// (JOBCTL_EXECUTOR_BINARY, JOBCTL_JOBS_DIR, etc.).
const EnvPrefix = "JOBCTL"

// Executor holds the executor adapter's invocation defaults.
type Executor struct {
	Binary         string        `mapstructure:"binary"`
	OneShot        bool          `mapstructure:"one_shot"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
	Timeout        time.Duration `mapstructure:"-"`
}

// Locks holds the advisory-lock tunables of internal/lockmgr.
type Locks struct {
	AcquireTimeoutSeconds int           `mapstructure:"acquire_timeout_seconds"`
	StaleAfterSeconds     int           `mapstructure:"stale_after_seconds"`
	AcquireTimeout        time.Duration `mapstructure:"-"`
	StaleAfter            time.Duration `mapstructure:"-"`
}

// Sentinel holds internal/sentinel's tunables, expressed in the
// human-friendly units a YAML/env config uses (seconds/minutes) and
// converted to time.Duration after load.
type Sentinel struct {
	WorkerTimeoutMinutes     int     `mapstructure:"worker_timeout_minutes"`
	SupervisorTimeoutMinutes int     `mapstructure:"supervisor_timeout_minutes"`
	CriticalTimeoutMinutes   int     `mapstructure:"critical_timeout_minutes"`
	CheckIntervalSeconds     int     `mapstructure:"check_interval_seconds"`
	AutoIntervene            bool    `mapstructure:"auto_intervene"`
	MaxInterventionsPerHour  int     `mapstructure:"max_interventions_per_hour"`
	MemoryThresholdMB        float64 `mapstructure:"memory_threshold_mb"`
	CPUThresholdPercent      float64 `mapstructure:"cpu_threshold_percent"`
}

// ToConfig converts Sentinel's config-file units into a sentinel.Config.
func (s Sentinel) ToConfig() sentinel.Config {
	return sentinel.Config{
		WorkerTimeout:           time.Duration(s.WorkerTimeoutMinutes) * time.Minute,
		SupervisorTimeout:       time.Duration(s.SupervisorTimeoutMinutes) * time.Minute,
		CriticalTimeout:         time.Duration(s.CriticalTimeoutMinutes) * time.Minute,
		CheckInterval:           time.Duration(s.CheckIntervalSeconds) * time.Second,
		AutoIntervene:           s.AutoIntervene,
		MaxInterventionsPerHour: s.MaxInterventionsPerHour,
		MemoryThresholdMB:       s.MemoryThresholdMB,
		CPUThresholdPercent:     s.CPUThresholdPercent,
	}
}

// Budget holds internal/budget's configurable warning ratio.
type Budget struct {
	WarningPercentage float64 `mapstructure:"warning_percentage"`
}

// Cleanup mirrors workspace.CleanupPolicy in config-file-friendly units.
type Cleanup struct {
	CleanupCompletedJobs    bool `mapstructure:"cleanup_completed_jobs"`
	FailedJobsAfterDays     int  `mapstructure:"failed_jobs_after_days"`
	CancelledJobsAfterHours int  `mapstructure:"cancelled_jobs_after_hours"`
	PreserveFailedJobs      bool `mapstructure:"preserve_failed_jobs"`
	MaxBackupsPerJob        int  `mapstructure:"max_backups_per_job"`
}

// ToPolicy converts Cleanup's config-file units into a workspace.CleanupPolicy.
func (c Cleanup) ToPolicy() workspace.CleanupPolicy {
	return workspace.CleanupPolicy{
		CleanupCompletedJobs:      c.CleanupCompletedJobs,
		CleanupFailedJobsAfter:    time.Duration(c.FailedJobsAfterDays) * 24 * time.Hour,
		CleanupCancelledJobsAfter: time.Duration(c.CancelledJobsAfterHours) * time.Hour,
		PreserveFailedJobs:        c.PreserveFailedJobs,
		MaxBackupsPerJob:          c.MaxBackupsPerJob,
	}
}

// Config is jobctl's fully-resolved, layered configuration.
type Config struct {
	JobsDir    string   `mapstructure:"jobs_dir"`
	BaseBranch string   `mapstructure:"base_branch"`
	Executor   Executor `mapstructure:"executor"`
	Locks      Locks    `mapstructure:"locks"`
	Sentinel   Sentinel `mapstructure:"sentinel"`
	Budget     Budget   `mapstructure:"budget"`
	Cleanup    Cleanup  `mapstructure:"cleanup"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("jobs_dir", "jobs")
	v.SetDefault("base_branch", "main")

	v.SetDefault("executor.binary", "claude")
	v.SetDefault("executor.one_shot", false)
	v.SetDefault("executor.timeout_seconds", 1800)

	v.SetDefault("locks.acquire_timeout_seconds", 30)
	v.SetDefault("locks.stale_after_seconds", int(time.Hour.Seconds()))

	v.SetDefault("sentinel.worker_timeout_minutes", 30)
	v.SetDefault("sentinel.supervisor_timeout_minutes", 15)
	v.SetDefault("sentinel.critical_timeout_minutes", 90)
	v.SetDefault("sentinel.check_interval_seconds", 60)
	v.SetDefault("sentinel.auto_intervene", true)
	v.SetDefault("sentinel.max_interventions_per_hour", 6)
	v.SetDefault("sentinel.memory_threshold_mb", 0)
	v.SetDefault("sentinel.cpu_threshold_percent", 0)

	v.SetDefault("budget.warning_percentage", 75.0)

	v.SetDefault("cleanup.cleanup_completed_jobs", true)
	v.SetDefault("cleanup.failed_jobs_after_days", 7)
	v.SetDefault("cleanup.cancelled_jobs_after_hours", 24)
	v.SetDefault("cleanup.preserve_failed_jobs", false)
	v.SetDefault("cleanup.max_backups_per_job", 5)
}

// New builds a fresh, unbound viper instance wired for jobctl's config
// layering: SetEnvPrefix("JOBCTL"), AutomaticEnv, project (.jobctl/) and
// home (~/.jobctl/) search paths, and the defaults above. projectDir is
// typically the current working directory.
func New(projectDir string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(projectDir, ".jobctl"))
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		v.AddConfigPath(filepath.Join(home, ".jobctl"))
	}
	setDefaults(v)
	return v
}

// Load reads config.yaml from the project or home search paths (if
// present; a missing file is not an error, since defaults and
// environment/flag overrides may fully cover it), merges in any flag
// overrides already bound onto v by the caller's cobra command, and
// returns the fully resolved Config with derived time.Duration fields
// populated.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	deriveDurations(&cfg)
	return &cfg, nil
}

func deriveDurations(cfg *Config) {
	cfg.Executor.Timeout = time.Duration(cfg.Executor.TimeoutSeconds) * time.Second
	cfg.Locks.AcquireTimeout = time.Duration(cfg.Locks.AcquireTimeoutSeconds) * time.Second
	cfg.Locks.StaleAfter = time.Duration(cfg.Locks.StaleAfterSeconds) * time.Second
}

// WatchAndReload wires viper.OnConfigChange to fsnotify so the
// daemonized sentinel command can live-reload thresholds without a
// restart, per SPEC_FULL.md §1.1. onChange is called with the freshly
// re-resolved Config after each on-disk edit; unmarshal errors are
// swallowed (the previous Config stays in effect) since a transient
// partial write mid-save should not crash a running daemon.
func WatchAndReload(v *viper.Viper, onChange func(*Config)) {
	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		deriveDurations(&cfg)
		onChange(&cfg)
	})
	v.WatchConfig()
}
