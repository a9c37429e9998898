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

// autovisord supervises every service found in a directory, and serves
// their status over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gdamore/autovisor"
	"github.com/gdamore/autovisor/rest"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "autovisord [flags] [-- extra args]",
		Short: "Supervise the services in a directory",
		Long: `autovisord launches every script, container build directory and
executable found in a directory, gives each its own port, and keeps them
alive, restarting them with exponential backoff when they exit or fail
their health check.

Arguments after -- are passed to every launched service.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if e := initConfig(v); e != nil {
				return e
			}
			if len(args) > 0 {
				v.Set("extra_args", args)
			}
			return run(cmd.Context(), v)
		},
	}

	autovisor.SetDefaults(v)
	d := autovisor.DefaultConfig()
	f := cmd.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "config file (default: ./autovisor.yaml)")
	f.StringP("dir", "d", ".", "service directory")
	f.StringP("name", "n", d.Name, "supervisor name")
	f.StringP("listen", "a", d.Listen, "status API listen address (empty to disable)")
	f.IntP("replicas", "r", d.Replicas, "instances per service")
	f.Duration("poll-interval", d.PollInterval, "time between poll cycles")
	f.Duration("backoff-base", d.BackoffBase, "delay before the first restart")
	f.Duration("backoff-cap", d.BackoffCap, "maximum restart delay")
	f.Duration("settle-time", d.SettleTime, "time a new process must survive")
	f.Duration("probe-timeout", d.ProbeTimeout, "health check timeout")
	f.Duration("stop-timeout", d.StopTimeout, "grace period before killing")
	f.Bool("containers", d.EnableContainers, "launch container build directories")
	f.String("runtime", d.ContainerRuntime, "container runtime binary")
	f.Bool("watch", d.Watch, "rescan the directory when it changes")
	f.Bool("exit-when-empty", d.ExitWhenEmpty, "exit when there is nothing to supervise")
	f.String("status-file", "", "write each snapshot to this YAML file")
	f.String("log-level", d.LogLevel, "log level")

	for key, flag := range map[string]string{
		"dir":               "dir",
		"name":              "name",
		"listen":            "listen",
		"replicas":          "replicas",
		"poll_interval":     "poll-interval",
		"backoff_base":      "backoff-base",
		"backoff_cap":       "backoff-cap",
		"settle_time":       "settle-time",
		"probe_timeout":     "probe-timeout",
		"stop_timeout":      "stop-timeout",
		"enable_containers": "containers",
		"container_runtime": "runtime",
		"watch":             "watch",
		"exit_when_empty":   "exit-when-empty",
		"status_file":       "status-file",
		"log_level":         "log-level",
	} {
		v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func initConfig(v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("autovisor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("AUTOVISOR")
	v.AutomaticEnv()

	if e := v.ReadInConfig(); e != nil {
		var nf viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(e, &nf) {
			return fmt.Errorf("reading config: %w", e)
		}
	}
	return nil
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, e := autovisor.LoadConfig(v)
	if e != nil {
		return e
	}

	metrics := autovisor.NewPrometheusMetrics("autovisor")
	m, e := autovisor.NewManager(cfg, autovisor.WithMetrics(metrics))
	if e != nil {
		return e
	}
	logger := m.Logger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	var srv *http.Server
	if cfg.Listen != "" {
		h := rest.NewHandler(m)
		h.Handle("/metrics", metrics.Handler())
		srv = &http.Server{
			Addr:              cfg.Listen,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("listen", cfg.Listen).Msg("Serving status API")
			if e := srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
				logger.Error().Err(e).Msg("Status API failed")
			}
		}()
	}

	e = m.Run(ctx)

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}
	return e
}

func main() {
	if e := newRootCmd().ExecuteContext(context.Background()); e != nil {
		os.Exit(1)
	}
}
