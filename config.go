// Copyright 2026 The Autovisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package autovisor

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config is the supervisor configuration.  It is loaded once at startup
// and not changed afterwards.
type Config struct {
	Name             string            `mapstructure:"name"`
	Dir              string            `mapstructure:"dir"`
	Replicas         int               `mapstructure:"replicas"`
	PollInterval     time.Duration     `mapstructure:"poll_interval"`
	BackoffBase      time.Duration     `mapstructure:"backoff_base"`
	BackoffCap       time.Duration     `mapstructure:"backoff_cap"`
	SettleTime       time.Duration     `mapstructure:"settle_time"`
	ProbeTimeout     time.Duration     `mapstructure:"probe_timeout"`
	StopTimeout      time.Duration     `mapstructure:"stop_timeout"`
	EnableContainers bool              `mapstructure:"enable_containers"`
	ContainerRuntime string            `mapstructure:"container_runtime"`
	ExtraArgs        []string          `mapstructure:"extra_args"`
	Interpreters     map[string]string `mapstructure:"interpreters"`
	Watch            bool              `mapstructure:"watch"`
	WatchDebounce    time.Duration     `mapstructure:"watch_debounce"`
	ExitWhenEmpty    bool              `mapstructure:"exit_when_empty"`
	StatusFile       string            `mapstructure:"status_file"`
	Listen           string            `mapstructure:"listen"`
	LogLevel         string            `mapstructure:"log_level"`
}

// DefaultInterpreters maps script extensions (without the dot) to the
// program that runs them.
func DefaultInterpreters() map[string]string {
	return map[string]string{
		"py": "python3",
		"js": "node",
		"rb": "ruby",
		"pl": "perl",
	}
}

// DefaultConfig returns a Config with every default filled in.  Dir is
// left empty, and must be supplied.
func DefaultConfig() Config {
	return Config{
		Name:             "autovisor",
		Replicas:         1,
		PollInterval:     5 * time.Second,
		BackoffBase:      2 * time.Second,
		BackoffCap:       time.Minute,
		SettleTime:       2 * time.Second,
		ProbeTimeout:     2 * time.Second,
		StopTimeout:      10 * time.Second,
		ContainerRuntime: "docker",
		Interpreters:     DefaultInterpreters(),
		Watch:            true,
		WatchDebounce:    500 * time.Millisecond,
		Listen:           "127.0.0.1:8321",
		LogLevel:         "info",
	}
}

// SetDefaults registers the defaults with v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("name", d.Name)
	v.SetDefault("replicas", d.Replicas)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("backoff_base", d.BackoffBase)
	v.SetDefault("backoff_cap", d.BackoffCap)
	v.SetDefault("settle_time", d.SettleTime)
	v.SetDefault("probe_timeout", d.ProbeTimeout)
	v.SetDefault("stop_timeout", d.StopTimeout)
	v.SetDefault("enable_containers", d.EnableContainers)
	v.SetDefault("container_runtime", d.ContainerRuntime)
	v.SetDefault("interpreters", d.Interpreters)
	v.SetDefault("watch", d.Watch)
	v.SetDefault("watch_debounce", d.WatchDebounce)
	v.SetDefault("exit_when_empty", d.ExitWhenEmpty)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("log_level", d.LogLevel)
}

// LoadConfig decodes and validates the configuration held by v.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if e := v.Unmarshal(&cfg); e != nil {
		return cfg, fmt.Errorf("%w: %v", ErrBadConfig, e)
	}
	if e := cfg.Validate(); e != nil {
		return cfg, e
	}
	return cfg, nil
}

func badConfig(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadConfig, fmt.Sprintf(format, args...))
}

// Validate checks the configuration.  The service directory must exist.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return badConfig("no service directory")
	}
	info, e := os.Stat(c.Dir)
	if e != nil {
		return badConfig("service directory: %v", e)
	}
	if !info.IsDir() {
		return badConfig("%s is not a directory", c.Dir)
	}
	if c.Replicas < 1 {
		return badConfig("replicas must be at least 1, not %d", c.Replicas)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"poll_interval", c.PollInterval},
		{"backoff_base", c.BackoffBase},
		{"backoff_cap", c.BackoffCap},
		{"settle_time", c.SettleTime},
		{"probe_timeout", c.ProbeTimeout},
	} {
		if d.val <= 0 {
			return badConfig("%s must be positive", d.name)
		}
	}
	if c.StopTimeout < 0 {
		return badConfig("stop_timeout must not be negative")
	}
	if c.BackoffCap < c.BackoffBase {
		return badConfig("backoff_cap %v is less than backoff_base %v",
			c.BackoffCap, c.BackoffBase)
	}
	if c.EnableContainers && c.ContainerRuntime == "" {
		return badConfig("no container runtime")
	}
	if _, e := zerolog.ParseLevel(c.LogLevel); e != nil {
		return badConfig("log_level: %v", e)
	}
	return nil
}

// Level is the parsed log level, or info if it cannot be parsed.
func (c *Config) Level() zerolog.Level {
	l, e := zerolog.ParseLevel(c.LogLevel)
	if e != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

func (c *Config) scanOptions() ScanOptions {
	return ScanOptions{
		Interpreters: c.Interpreters,
		Containers:   c.EnableContainers,
	}
}
