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

//go:build !windows

package autovisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
)

func pidGone(pid int) bool {
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

// pidDead also accepts a zombie, since an orphaned process is reaped by
// whatever adopted it, on its own schedule.
func pidDead(pid int) bool {
	if pidGone(pid) {
		return true
	}
	b, e := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if e != nil {
		return false
	}
	s := string(b)
	if n := strings.LastIndexByte(s, ')'); n >= 0 {
		f := strings.Fields(s[n+1:])
		return len(f) > 0 && f[0] == "Z"
	}
	return false
}

func TestInstanceLifecycle(t *testing.T) {
	Convey("Given a healthy service", t, func() {
		dir := t.TempDir()
		cfg := testConfig(dir)
		inst := testInstance(dir, "good", "serve", cfg, nil)
		ctx := context.Background()
		Reset(func() {
			inst.Stop(time.Second)
		})

		So(inst.ID(), ShouldEqual, "good.tst")
		So(inst.State(), ShouldEqual, StateStarting)

		Convey("Launch makes it Running", func() {
			So(inst.Launch(ctx), ShouldBeNil)
			So(inst.State(), ShouldEqual, StateRunning)
			So(inst.IsAlive(), ShouldBeTrue)
			So(inst.Port(), ShouldBeGreaterThan, 0)

			st := inst.Status()
			So(st.Alive, ShouldBeTrue)
			So(st.PID, ShouldBeGreaterThan, 0)
			So(st.Kind, ShouldEqual, KindScript)

			Convey("And it passes its health check", func() {
				res := inst.PollHealth(ctx)
				So(res.Healthy, ShouldBeTrue)
				So(res.CheckedAt.IsZero(), ShouldBeFalse)
				So(inst.State(), ShouldEqual, StateRunning)
			})

			Convey("Its output is captured", func() {
				So(eventually(2*time.Second, func() bool {
					for _, r := range inst.Log().Tail(10) {
						if strings.Contains(r.Text, "helper serve") {
							return true
						}
					}
					return false
				}), ShouldBeTrue)
			})

			Convey("Restart replaces the process on a new launch", func() {
				pid := inst.Status().PID
				So(inst.Restart(ctx), ShouldBeNil)
				So(inst.State(), ShouldEqual, StateRunning)
				So(inst.RestartCount(), ShouldEqual, 1)
				So(inst.Backoff(), ShouldEqual, cfg.BackoffBase)
				So(pidGone(pid), ShouldBeTrue)
				So(inst.Status().PID, ShouldNotEqual, pid)
				So(inst.PollHealth(ctx).Healthy, ShouldBeTrue)
			})

			Convey("Stop terminates it for good", func() {
				pid := inst.Status().PID
				inst.Stop(time.Second)
				So(inst.State(), ShouldEqual, StateStopped)
				So(inst.IsAlive(), ShouldBeFalse)
				So(inst.RestartCount(), ShouldEqual, 0)
				So(pidGone(pid), ShouldBeTrue)

				So(errors.Is(inst.Launch(ctx), ErrStopped), ShouldBeTrue)
				So(errors.Is(inst.Restart(ctx), ErrStopped), ShouldBeTrue)
				So(inst.State(), ShouldEqual, StateStopped)
			})
		})
	})
}

func TestInstanceCrash(t *testing.T) {
	Convey("Given a service that exits at once", t, func() {
		dir := t.TempDir()
		cfg := testConfig(dir)
		inst := testInstance(dir, "bad", "exit", cfg, nil)
		ctx := context.Background()
		Reset(func() {
			inst.Stop(time.Second)
		})

		Convey("Launch reports a crash", func() {
			e := inst.Launch(ctx)
			So(errors.Is(e, ErrStartupExit), ShouldBeTrue)
			So(inst.State(), ShouldEqual, StateCrashed)
			So(inst.IsAlive(), ShouldBeFalse)
			So(inst.Status().Reason, ShouldContainSubstring, "Exited during startup")

			Convey("A restart counts, and crashes again", func() {
				e := inst.Restart(ctx)
				So(errors.Is(e, ErrStartupExit), ShouldBeTrue)
				So(inst.RestartCount(), ShouldEqual, 1)
				So(inst.State(), ShouldEqual, StateCrashed)
			})
		})
	})

	Convey("A missing interpreter crashes the launch", t, func() {
		dir := t.TempDir()
		cfg := testConfig(dir)
		inst := testInstance(dir, "noint", "serve", cfg, nil)
		inst.desc.Interpreter = filepath.Join(dir, "no-such-interpreter")
		So(inst.Launch(context.Background()), ShouldNotBeNil)
		So(inst.State(), ShouldEqual, StateCrashed)
		inst.Stop(time.Second)
	})
}

func TestInstanceStopEscalates(t *testing.T) {
	Convey("A process ignoring SIGTERM is killed after the timeout", t, func() {
		dir := t.TempDir()
		cfg := testConfig(dir)
		inst := testInstance(dir, "stubborn", "ignore", cfg, nil)
		So(inst.Launch(context.Background()), ShouldBeNil)
		pid := inst.Status().PID

		start := time.Now()
		inst.Stop(300 * time.Millisecond)
		So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 300*time.Millisecond)
		So(inst.State(), ShouldEqual, StateStopped)
		So(pidGone(pid), ShouldBeTrue)
	})
}

func TestInstanceStopInterruptsBackoff(t *testing.T) {
	Convey("Stop cuts a restart delay short", t, func() {
		dir := t.TempDir()
		cfg := testConfig(dir)
		cfg.BackoffBase = time.Minute
		cfg.BackoffCap = time.Minute
		inst := testInstance(dir, "slow", "exit", cfg, nil)
		ctx := context.Background()
		inst.Launch(ctx)

		done := make(chan error, 1)
		go func() {
			done <- inst.Restart(ctx)
		}()
		So(eventually(time.Second, func() bool {
			return inst.State() == StateRestarting
		}), ShouldBeTrue)

		inst.Stop(time.Second)
		select {
		case e := <-done:
			So(errors.Is(e, ErrStopped), ShouldBeTrue)
		case <-time.After(5 * time.Second):
			So("restart not interrupted", ShouldBeEmpty)
		}
		So(inst.State(), ShouldEqual, StateStopped)
	})
}

func TestHTTPProbe(t *testing.T) {
	Convey("The HTTP probe fails a service", t, func() {
		dir := t.TempDir()
		cfg := testConfig(dir)
		cfg.ProbeTimeout = 250 * time.Millisecond
		ctx := context.Background()

		check := func(mode string) (HealthResult, time.Duration) {
			inst := testInstance(dir, mode, mode, cfg, NewProber(cfg.ProbeTimeout))
			Reset(func() {
				inst.Stop(100 * time.Millisecond)
			})
			So(inst.Launch(ctx), ShouldBeNil)
			So(inst.State(), ShouldEqual, StateRunning)
			start := time.Now()
			res := inst.PollHealth(ctx)
			elapsed := time.Since(start)
			So(res.Healthy, ShouldBeFalse)
			So(res.Detail, ShouldNotBeEmpty)
			So(inst.State(), ShouldEqual, StateUnhealthy)
			return res, elapsed
		}

		Convey("That answers with an error status", func() {
			res, _ := check("unhealthy")
			So(res.Detail, ShouldContainSubstring, "500")
		})

		Convey("That is not listening", func() {
			res, _ := check("ignore")
			So(res.Detail, ShouldContainSubstring, "refused")
		})

		Convey("That answers too slowly", func() {
			_, elapsed := check("slow")
			So(elapsed, ShouldBeLessThan, 2*time.Second)
		})
	})
}

func TestExecutableInstance(t *testing.T) {
	Convey("Given an executable with a health check", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "svc.sh")
		hc := path + HealthCheckSuffix
		marker := filepath.Join(dir, "healthy")
		So(os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 30\n"), 0755), ShouldBeNil)
		So(os.WriteFile(hc, []byte("#!/bin/sh\ntest -f "+marker+"\n"), 0755), ShouldBeNil)

		cfg := testConfig(dir)
		d := &Descriptor{Name: "svc.sh", Path: path, Kind: KindExecutable}
		inst := newInstance(d, 0, &cfg, nil, NewProber(cfg.ProbeTimeout), NewNoopMetrics(), zerolog.Nop())
		ctx := context.Background()
		Reset(func() {
			inst.Stop(time.Second)
		})

		So(inst.Launch(ctx), ShouldBeNil)
		So(inst.State(), ShouldEqual, StateRunning)

		Convey("A failing check makes it Unhealthy", func() {
			res := inst.PollHealth(ctx)
			So(res.Healthy, ShouldBeFalse)
			So(res.Detail, ShouldNotBeEmpty)
			So(inst.State(), ShouldEqual, StateUnhealthy)

			Convey("And a passing one brings it back", func() {
				So(os.WriteFile(marker, nil, 0644), ShouldBeNil)
				So(inst.PollHealth(ctx).Healthy, ShouldBeTrue)
				So(inst.State(), ShouldEqual, StateRunning)
			})
		})

		Convey("A missing check is unhealthy", func() {
			So(os.Remove(hc), ShouldBeNil)
			So(inst.PollHealth(ctx).Healthy, ShouldBeFalse)
		})
	})
}

func TestContainerInstance(t *testing.T) {
	Convey("Given a fake container runtime", t, func() {
		dir := t.TempDir()
		calls := filepath.Join(dir, "calls")
		rt := filepath.Join(dir, "runtime")
		script := "#!/bin/sh\necho \"$@\" >> " + calls + "\n" +
			"case \"$1\" in\n" +
			"build) test -f \"$4/Dockerfile\" ;;\n" +
			"run) exec sleep 30 ;;\n" +
			"esac\n"
		So(os.WriteFile(rt, []byte(script), 0755), ShouldBeNil)
		ctr := filepath.Join(dir, "web")
		So(os.Mkdir(ctr, 0755), ShouldBeNil)

		cfg := testConfig(dir)
		cfg.EnableContainers = true
		cfg.ContainerRuntime = rt
		d := &Descriptor{Name: "web", Path: ctr, Kind: KindContainer}
		inst := newInstance(d, 0, &cfg, nil, NewProber(cfg.ProbeTimeout), NewNoopMetrics(), zerolog.Nop())
		ctx := context.Background()
		Reset(func() {
			inst.Stop(time.Second)
		})

		Convey("A failed build crashes the launch", func() {
			e := inst.Launch(ctx)
			So(errors.Is(e, ErrBuildFailed), ShouldBeTrue)
			So(inst.State(), ShouldEqual, StateCrashed)
		})

		Convey("The image is built then run on the port", func() {
			So(os.WriteFile(filepath.Join(ctr, "Dockerfile"), []byte("FROM scratch\n"), 0644), ShouldBeNil)
			So(inst.Launch(ctx), ShouldBeNil)
			So(inst.State(), ShouldEqual, StateRunning)

			b, e := os.ReadFile(calls)
			So(e, ShouldBeNil)
			lines := strings.Split(strings.TrimSpace(string(b)), "\n")
			So(len(lines), ShouldEqual, 2)
			So(lines[0], ShouldEqual, "build -t autovisor-web "+ctr)
			So(lines[1], ShouldStartWith, "run --rm --name autovisor-web-0-")
			So(lines[1], ShouldContainSubstring, "-e PORT=")
			So(lines[1], ShouldEndWith, "autovisor-web --port "+strconv.Itoa(inst.Port()))
		})
	})
}

func TestContainerPortAfterBuild(t *testing.T) {
	Convey("No port is held while the image builds", t, func() {
		dir := t.TempDir()
		calls := filepath.Join(dir, "calls")
		proceed := filepath.Join(dir, "proceed")
		rt := filepath.Join(dir, "runtime")
		script := "#!/bin/sh\necho \"$@\" >> " + calls + "\n" +
			"case \"$1\" in\n" +
			"build) while [ ! -f " + proceed + " ]; do sleep 0.05; done ;;\n" +
			"run) exec sleep 30 ;;\n" +
			"esac\n"
		So(os.WriteFile(rt, []byte(script), 0755), ShouldBeNil)
		ctr := filepath.Join(dir, "slow")
		So(os.Mkdir(ctr, 0755), ShouldBeNil)

		cfg := testConfig(dir)
		cfg.EnableContainers = true
		cfg.ContainerRuntime = rt
		d := &Descriptor{Name: "slow", Path: ctr, Kind: KindContainer}
		inst := newInstance(d, 0, &cfg, nil, NewProber(cfg.ProbeTimeout), NewNoopMetrics(), zerolog.Nop())
		Reset(func() {
			inst.Stop(time.Second)
		})

		done := make(chan error, 1)
		go func() {
			done <- inst.Launch(context.Background())
		}()
		So(eventually(5*time.Second, func() bool {
			b, _ := os.ReadFile(calls)
			return strings.HasPrefix(string(b), "build ")
		}), ShouldBeTrue)
		time.Sleep(100 * time.Millisecond)
		So(inst.Port(), ShouldEqual, 0)
		So(inst.ports.Len(), ShouldEqual, 0)

		So(os.WriteFile(proceed, nil, 0644), ShouldBeNil)
		select {
		case e := <-done:
			So(e, ShouldBeNil)
		case <-time.After(5 * time.Second):
			So("launch did not finish", ShouldBeEmpty)
		}
		So(inst.Port(), ShouldBeGreaterThan, 0)
		So(inst.ports.Len(), ShouldEqual, 1)
	})
}

func TestContainerRemovedOnStop(t *testing.T) {
	if _, e := exec.LookPath("setsid"); e != nil {
		t.Skip("setsid not available")
	}
	Convey("Given a runtime whose containers outlive the client", t, func() {
		// The fake runtime hands the workload to a separate session, the
		// way a real daemon owns its containers, and ignores SIGTERM
		// itself.  Only "rm -f" gets rid of the workload.
		dir := t.TempDir()
		calls := filepath.Join(dir, "calls")
		rt := filepath.Join(dir, "runtime")
		script := "#!/bin/sh\necho \"$@\" >> " + calls + "\n" +
			"case \"$1\" in\n" +
			"run) setsid sh -c 'trap \"\" TERM; echo $$ > " + dir + "/'$4'.pid; exec sleep 300' >/dev/null 2>&1 </dev/null &\n" +
			"  trap '' TERM; exec sleep 300 ;;\n" +
			"rm) kill -9 $(cat " + dir + "/$3.pid) ;;\n" +
			"esac\n"
		So(os.WriteFile(rt, []byte(script), 0755), ShouldBeNil)
		ctr := filepath.Join(dir, "web")
		So(os.Mkdir(ctr, 0755), ShouldBeNil)

		cfg := testConfig(dir)
		cfg.EnableContainers = true
		cfg.ContainerRuntime = rt
		d := &Descriptor{Name: "web", Path: ctr, Kind: KindContainer}
		inst := newInstance(d, 0, &cfg, nil, NewProber(cfg.ProbeTimeout), NewNoopMetrics(), zerolog.Nop())
		Reset(func() {
			inst.Stop(time.Second)
		})

		So(inst.Launch(context.Background()), ShouldBeNil)
		name := "autovisor-web-0-" + strconv.Itoa(inst.Port())
		pidFile := filepath.Join(dir, name+".pid")
		var workload int
		So(eventually(5*time.Second, func() bool {
			b, e := os.ReadFile(pidFile)
			if e != nil {
				return false
			}
			workload, e = strconv.Atoi(strings.TrimSpace(string(b)))
			return e == nil
		}), ShouldBeTrue)
		So(pidGone(workload), ShouldBeFalse)

		inst.Stop(300 * time.Millisecond)
		So(inst.State(), ShouldEqual, StateStopped)
		So(inst.IsAlive(), ShouldBeFalse)
		So(eventually(5*time.Second, func() bool { return pidDead(workload) }), ShouldBeTrue)

		b, e := os.ReadFile(calls)
		So(e, ShouldBeNil)
		So(string(b), ShouldContainSubstring, "rm -f "+name)
		So(inst.ports.Len(), ShouldEqual, 0)
	})
}
