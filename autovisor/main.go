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

// Command autovisor is a client for the status API served by autovisord.
// It uses subcommands:
//
//	info             - show supervisor information
//	instances        - list instance ids
//	status [<id>...] - show status for the named instances (or all)
//	show <id>        - show detailed instance status
//	log [<id>]       - show the captured output of an instance, or the
//	                   supervisor log
//	watch            - print a status line for every published snapshot
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gdamore/autovisor"
	"github.com/gdamore/autovisor/autovisor/util"
	"github.com/gdamore/autovisor/rest"
)

var addr string = "http://127.0.0.1:8321"
var auth string = ""

func newClient() (*rest.Client, error) {
	client := rest.NewClient(nil, strings.TrimRight(addr, "/"))
	if auth != "" {
		a := strings.SplitN(auth, ":", 2)
		if len(a) != 2 {
			return nil, fmt.Errorf("bad user:pass supplied")
		}
		client.SetAuth(a[0], a[1])
	}
	return client, nil
}

func showStatus(s *autovisor.InstanceStatus) {
	d := time.Since(s.TimeStamp)
	health := "-"
	if !s.Health.CheckedAt.IsZero() {
		health = "ok"
		if !s.Health.Healthy {
			health = "failing"
		}
	}
	fmt.Printf("%-20s %-10s %6d %8s %4d %s %s\n", s.ID,
		util.Status(s), s.Port, health, s.RestartCount,
		util.FormatDuration(d), s.Reason)
}

func showDetail(s *autovisor.InstanceStatus) {
	fmt.Printf("Instance:  %s\n", s.ID)
	fmt.Printf("Service:   %s (%s)\n", s.Name, s.Kind)
	fmt.Printf("Path:      %s\n", s.Path)
	fmt.Printf("State:     %s since %s\n", s.State, s.TimeStamp.Format(time.RFC3339))
	fmt.Printf("Reason:    %s\n", s.Reason)
	fmt.Printf("Port:      %d\n", s.Port)
	if s.Alive {
		fmt.Printf("PID:       %d\n", s.PID)
	}
	fmt.Printf("Restarts:  %d\n", s.RestartCount)
	if s.Backoff > 0 {
		fmt.Printf("Backoff:   %v\n", s.Backoff)
	}
	if !s.Health.CheckedAt.IsZero() {
		fmt.Printf("Health:    %v at %s %s\n", s.Health.Healthy,
			s.Health.CheckedAt.Format(time.RFC3339), s.Health.Detail)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [<id>...]",
		Short: "Show status for the named instances (or all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, e := newClient()
			if e != nil {
				return e
			}
			snap, e := client.GetSnapshot()
			if e != nil {
				return e
			}
			var items []*autovisor.InstanceStatus
			if len(args) == 0 {
				for i := range snap.Instances {
					items = append(items, &snap.Instances[i])
				}
			} else {
				for _, id := range args {
					st, ok := snap.Find(id)
					if !ok {
						return fmt.Errorf("%s: %w", id, autovisor.ErrNotFound)
					}
					items = append(items, &st)
				}
			}
			util.SortInstances(items)
			for _, s := range items {
				showStatus(s)
			}
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:          "autovisor",
		Short:        "Query an autovisord status API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&addr, "address", "a", addr, "autovisord address")
	root.PersistentFlags().StringVarP(&auth, "user", "u", auth, "user:pass authentication")

	root.AddCommand(statusCmd())
	root.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show supervisor information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, e := newClient()
			if e != nil {
				return e
			}
			info, e := client.Info()
			if e != nil {
				return e
			}
			fmt.Printf("Name:      %s\n", info.Name)
			fmt.Printf("Directory: %s\n", info.Dir)
			fmt.Printf("Instances: %d\n", info.Instances)
			fmt.Printf("Created:   %s\n", info.CreateTime.Format(time.RFC3339))
			fmt.Printf("Updated:   %s\n", info.UpdateTime.Format(time.RFC3339))
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "instances",
		Short: "List instance ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, e := newClient()
			if e != nil {
				return e
			}
			ids, e := client.Instances()
			if e != nil {
				return e
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show detailed instance status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, e := newClient()
			if e != nil {
				return e
			}
			st, e := client.GetInstance(args[0])
			if e != nil {
				return e
			}
			showDetail(st)
			return nil
		},
	})

	var follow bool
	logCmd := &cobra.Command{
		Use:   "log [<id>]",
		Short: "Show the output of an instance, or the supervisor log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, e := newClient()
			if e != nil {
				return e
			}
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			info, e := client.GetLog(id)
			if e != nil {
				return e
			}
			var last int64
			emit := func(li *rest.LogInfo) {
				for _, r := range li.Records {
					if r.Id <= last {
						continue
					}
					fmt.Printf("%s %s\n", r.Time.Format(time.StampMilli), r.Text)
					last = r.Id
				}
			}
			emit(info)
			for follow {
				if info, e = client.WatchLog(cmd.Context(), id, info); e != nil {
					return e
				}
				emit(info)
			}
			return nil
		},
	}
	logCmd.Flags().BoolVarP(&follow, "follow", "f", false, "wait for more output")
	root.AddCommand(logCmd)

	root.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Print a summary of every published snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, e := newClient()
			if e != nil {
				return e
			}
			var snap *autovisor.Snapshot
			for {
				next, e := client.WatchSnapshot(cmd.Context(), snap)
				if e != nil {
					return e
				}
				if snap == nil || next.Serial != snap.Serial {
					cnt := next.Count()
					fmt.Printf("%s live=%d running=%d unhealthy=%d crashed=%d restarting=%d\n",
						next.Time.Format(time.RFC3339), next.Live(),
						cnt[autovisor.StateRunning], cnt[autovisor.StateUnhealthy],
						cnt[autovisor.StateCrashed], cnt[autovisor.StateRestarting])
				}
				snap = next
			}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if e := root.ExecuteContext(ctx); e != nil {
		os.Exit(1)
	}
}
