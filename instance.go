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
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of an Instance.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateUnhealthy
	StateCrashed
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateUnhealthy:
		return "Unhealthy"
	case StateCrashed:
		return "Crashed"
	case StateRestarting:
		return "Restarting"
	case StateStopped:
		return "Stopped"
	}
	return "Unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for v := StateStarting; v <= StateStopped; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(b))
}

// removeTimeout bounds forced removal of a container.
const removeTimeout = 30 * time.Second

// Instance is one supervised process backing a Descriptor.  It owns its
// port and its process exclusively.
//
// Instances move through the following states.  Stopped is terminal, and
// can be reached from anywhere by Stop.
//
//	      +------------+
//	      |  Starting  +-------------+
//	      +-----+------+             |
//	            |                    |
//	      +-----V-----+        +-----V-----+
//	+----->  Running  +-------->  Crashed  |
//	|     +-----+--A--+        +-----+-----+
//	|           |  |                 |
//	|     +-----V--+--+              |
//	|     | Unhealthy |              |
//	|     +-----+-----+              |
//	|           |                    |
//	|     +-----V------+             |
//	+-----+ Restarting <-------------+
//	      +------------+
//
// Launch, Restart and Stop are serialized, so there is never more than
// one live process for an instance; Restart waits for the old process to
// be reaped before sleeping and starting another.
type Instance struct {
	desc     *Descriptor
	replica  int
	id       string
	args     []string
	runtime  string
	settle   time.Duration
	stopTime time.Duration
	ports    *portPool
	prober   Prober
	metrics  MetricsCollector
	logger   zerolog.Logger
	log      *Log
	stdout   *MultiLogger
	stderr   *MultiLogger

	op       sync.Mutex // serializes Launch, Restart, Stop
	stopCh   chan struct{}
	stopOnce sync.Once

	mx       sync.Mutex // protects everything below
	state    State
	port     int
	held     int    // port taken from the pool, if any
	ctr      string // container that may still exist
	proc     *process
	restarts int
	delay    time.Duration
	backoff  *restartBackoff
	health   HealthResult
	reason   string
	stamp    time.Time
	stopped  bool
}

// instanceID names replica r of d.  With a single replica the name of the
// descriptor is used unadorned.
func instanceID(d *Descriptor, r, replicas int) string {
	if replicas <= 1 {
		return d.Name
	}
	return d.Name + "#" + strconv.Itoa(r)
}

func newInstance(d *Descriptor, replica int, cfg *Config, ports *portPool, prober Prober, metrics MetricsCollector, logger zerolog.Logger) *Instance {
	id := instanceID(d, replica, cfg.Replicas)
	if ports == nil {
		ports = newPortPool()
	}
	i := &Instance{
		desc:     d,
		replica:  replica,
		id:       id,
		args:     append([]string{}, cfg.ExtraArgs...),
		runtime:  cfg.ContainerRuntime,
		settle:   cfg.SettleTime,
		stopTime: cfg.StopTimeout,
		ports:    ports,
		prober:   prober,
		metrics:  metrics,
		logger:   logger.With().Str("instance", id).Str("kind", d.Kind.String()).Logger(),
		log:      NewLog(0),
		stopCh:   make(chan struct{}),
		state:    StateStarting,
		backoff:  newRestartBackoff(cfg.BackoffBase, cfg.BackoffCap),
		reason:   "Created",
		stamp:    time.Now(),
	}
	i.stdout = NewMultiLogger("stdout", i.logger, i.log)
	i.stderr = NewMultiLogger("stderr", i.logger, i.log)
	return i
}

// ID is unique within a Manager.
func (i *Instance) ID() string {
	return i.id
}

func (i *Instance) Descriptor() *Descriptor {
	return i.desc
}

func (i *Instance) Replica() int {
	return i.replica
}

// Log returns the captured stdout and stderr of the instance, across all
// of its processes.
func (i *Instance) Log() *Log {
	return i.log
}

// Port is the port assigned by the most recent launch, or zero.
func (i *Instance) Port() int {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.port
}

func (i *Instance) State() State {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.state
}

func (i *Instance) RestartCount() int {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.restarts
}

// Backoff is the delay used by the most recent restart.
func (i *Instance) Backoff() time.Duration {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.delay
}

// IsAlive reports whether the process is still running.  It never blocks.
func (i *Instance) IsAlive() bool {
	i.mx.Lock()
	p := i.proc
	i.mx.Unlock()
	return p != nil && p.Alive()
}

// InstanceStatus is a consistent copy of the state of an Instance.
type InstanceStatus struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Replica      int           `json:"replica" yaml:"replica"`
	Kind         Kind          `json:"kind" yaml:"kind"`
	Path         string        `json:"path" yaml:"path"`
	Port         int           `json:"port" yaml:"port"`
	PID          int           `json:"pid,omitempty" yaml:"pid,omitempty"`
	Alive        bool          `json:"alive" yaml:"alive"`
	State        State         `json:"state" yaml:"state"`
	RestartCount int           `json:"restartCount" yaml:"restartCount"`
	Backoff      time.Duration `json:"backoff" yaml:"backoff"`
	Health       HealthResult  `json:"health" yaml:"health"`
	Reason       string        `json:"reason" yaml:"reason"`
	TimeStamp    time.Time     `json:"tstamp" yaml:"tstamp"`
}

func (i *Instance) Status() InstanceStatus {
	i.mx.Lock()
	defer i.mx.Unlock()
	st := InstanceStatus{
		ID:           i.id,
		Name:         i.desc.Name,
		Replica:      i.replica,
		Kind:         i.desc.Kind,
		Path:         i.desc.Path,
		Port:         i.port,
		State:        i.state,
		RestartCount: i.restarts,
		Backoff:      i.delay,
		Health:       i.health,
		Reason:       i.reason,
		TimeStamp:    i.stamp,
	}
	if i.proc != nil && i.proc.Alive() {
		st.PID = i.proc.Pid()
		st.Alive = true
	}
	return st
}

// setState records a transition.  Call with mx held.
func (i *Instance) setState(s State, reason string) {
	old := i.state
	i.state = s
	i.reason = reason
	i.stamp = time.Now()
	if old != s {
		i.metrics.StateTransition(i.id, old, s)
		i.logger.Info().
			Str("from", old.String()).
			Str("to", s.String()).
			Str("reason", reason).
			Msg("State change")
	}
}

// crashed records a launch failure.  The error is handed back so that
// callers can simply return it.
func (i *Instance) crashed(e error) error {
	i.mx.Lock()
	i.setState(StateCrashed, e.Error())
	i.mx.Unlock()
	i.metrics.LaunchFailure(i.id)
	i.logger.Error().Err(e).Msg("Launch failed")
	return e
}

// markExited moves a Running or Unhealthy instance whose process has gone
// away to Crashed, so that the state reflects what happened before the
// restart.
func (i *Instance) markExited() {
	i.mx.Lock()
	defer i.mx.Unlock()
	if i.state != StateRunning && i.state != StateUnhealthy {
		return
	}
	reason := "Process exited"
	if i.proc != nil && !i.proc.Alive() && i.proc.err != nil {
		reason = "Process exited: " + i.proc.err.Error()
	}
	i.setState(StateCrashed, reason)
}

func (i *Instance) isStopped() bool {
	select {
	case <-i.stopCh:
		return true
	default:
		return false
	}
}

// withStop derives a context that is also cancelled by Stop.
func (i *Instance) withStop(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-i.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Launch starts a new process for the instance, on a newly allocated
// port.  If the process is still running after the settle time, the
// instance is Running.  Otherwise, or if it could not be started at all,
// the instance is Crashed and the cause is returned.
func (i *Instance) Launch(ctx context.Context) error {
	i.op.Lock()
	defer i.op.Unlock()
	return i.launch(ctx)
}

// call with op held
func (i *Instance) launch(ctx context.Context) error {
	ctx, cancel := i.withStop(ctx)
	defer cancel()

	i.mx.Lock()
	if i.stopped || i.isStopped() {
		i.mx.Unlock()
		return ErrStopped
	}
	old := i.proc
	i.setState(StateStarting, "Launching")
	i.mx.Unlock()

	i.terminate(old, i.stopTime)
	i.releasePort()

	// An image build can take minutes, so the port is only taken after.
	if e := i.prepare(ctx); e != nil {
		if i.isStopped() {
			return ErrStopped
		}
		return i.crashed(e)
	}
	port, e := i.ports.Allocate()
	if e != nil {
		return i.crashed(e)
	}
	i.mx.Lock()
	i.port = port
	i.held = port
	i.mx.Unlock()

	cmd, e := i.command(port)
	if e != nil {
		return i.crashed(e)
	}
	plog := i.logger.With().Int("port", port).Logger()
	proc, e := startProcess(cmd, i.stdout, i.stderr, plog)
	if e != nil {
		return i.crashed(fmt.Errorf("spawn %s: %w", i.desc.Path, e))
	}
	i.mx.Lock()
	i.proc = proc
	if i.desc.Kind == KindContainer {
		i.ctr = i.containerName(port)
	}
	i.mx.Unlock()

	timer := time.NewTimer(i.settle)
	defer timer.Stop()
	select {
	case <-proc.Done():
		detail := "exit status 0"
		if e := proc.ExitErr(); e != nil {
			detail = e.Error()
		}
		i.terminate(proc, i.stopTime)
		return i.crashed(fmt.Errorf("%w: %s", ErrStartupExit, detail))
	case <-ctx.Done():
		i.terminate(proc, i.stopTime)
		if i.isStopped() {
			return ErrStopped
		}
		return i.crashed(ctx.Err())
	case <-timer.C:
	}

	i.mx.Lock()
	i.setState(StateRunning, "Started")
	i.mx.Unlock()
	plog.Info().Int("pid", proc.Pid()).Msg("Instance running")
	return nil
}

// imageName is the container image tag built for a container descriptor.
func (i *Instance) imageName() string {
	var b strings.Builder
	b.WriteString("autovisor-")
	for _, r := range strings.ToLower(i.desc.Name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// containerName is unique per replica and port, so a container left
// behind by an earlier launch never blocks the next one.
func (i *Instance) containerName(port int) string {
	return fmt.Sprintf("%s-%d-%d", i.imageName(), i.replica, port)
}

// prepare does whatever must happen before a port is assigned.  For
// containers that is building the image.
func (i *Instance) prepare(ctx context.Context) error {
	if i.desc.Kind != KindContainer {
		return nil
	}
	image := i.imageName()
	build := exec.CommandContext(ctx, i.runtime, "build", "-t", image, i.desc.Path)
	i.logger.Info().Str("image", image).Msg("Building container image")
	if e := runCommand(ctx, build, i.stdout, i.stderr); e != nil {
		return fmt.Errorf("%w: %s: %v", ErrBuildFailed, image, e)
	}
	return nil
}

// command builds the command for the next process.
func (i *Instance) command(port int) (*exec.Cmd, error) {
	ps := strconv.Itoa(port)
	args := append([]string{"--port", ps}, i.args...)

	var cmd *exec.Cmd
	switch i.desc.Kind {
	case KindScript:
		cmd = exec.Command(i.desc.Interpreter, append([]string{i.desc.Path}, args...)...)
		cmd.Dir = filepath.Dir(i.desc.Path)
	case KindExecutable:
		cmd = exec.Command(i.desc.Path, args...)
		cmd.Dir = filepath.Dir(i.desc.Path)
	case KindContainer:
		image := i.imageName()
		run := []string{
			"run", "--rm", "--name", i.containerName(port),
			"-p", fmt.Sprintf("%d:%d", port, port),
			"-e", "PORT=" + ps,
			image,
		}
		cmd = exec.Command(i.runtime, append(run, args...)...)
	default:
		return nil, fmt.Errorf("cannot launch kind %v", i.desc.Kind)
	}
	cmd.Env = append(os.Environ(), "PORT="+ps)
	return cmd, nil
}

// PollHealth runs the health probe against the current process, and
// records the result.  A Running instance that fails becomes Unhealthy,
// and an Unhealthy one that passes is Running again.
func (i *Instance) PollHealth(ctx context.Context) HealthResult {
	start := time.Now()
	res := i.prober.Check(ctx, i)
	i.metrics.HealthCheck(i.id, res.Healthy, time.Since(start))

	i.mx.Lock()
	defer i.mx.Unlock()
	i.health = res
	switch {
	case !res.Healthy && i.state == StateRunning:
		i.setState(StateUnhealthy, "Health check failed: "+res.Detail)
	case res.Healthy && i.state == StateUnhealthy:
		i.setState(StateRunning, "Health check passed")
	}
	return res
}

// Restart terminates the current process (if any), waits out the backoff
// delay, and launches again on a fresh port.  The delay doubles with each
// restart, up to the configured cap.  Stop interrupts the wait.
func (i *Instance) Restart(ctx context.Context) error {
	i.op.Lock()
	defer i.op.Unlock()

	i.mx.Lock()
	if i.stopped {
		i.mx.Unlock()
		return ErrStopped
	}
	i.restarts++
	i.delay = i.backoff.Next()
	delay := i.delay
	proc := i.proc
	i.setState(StateRestarting, fmt.Sprintf("Restart %d after %v", i.restarts, delay))
	i.mx.Unlock()

	i.metrics.Restart(i.id, delay)
	i.logger.Warn().
		Int("restarts", i.RestartCount()).
		Dur("backoff", delay).
		Msg("Restarting instance")

	i.terminate(proc, i.stopTime)
	i.releasePort()

	ctx, cancel := i.withStop(ctx)
	defer cancel()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		if i.isStopped() {
			return ErrStopped
		}
		// leave it where the next cycle will pick it up again
		i.mx.Lock()
		i.setState(StateCrashed, "Restart abandoned: "+ctx.Err().Error())
		i.mx.Unlock()
		return ctx.Err()
	}
	return i.launch(ctx)
}

// Stop terminates the process, allowing it up to timeout to exit after
// SIGTERM before it is killed.  The instance is Stopped on return, and
// will not be launched again.  Stopping resets the restart count.
func (i *Instance) Stop(timeout time.Duration) {
	i.stopOnce.Do(func() {
		close(i.stopCh)
	})

	i.op.Lock()
	defer i.op.Unlock()

	i.mx.Lock()
	if i.stopped {
		i.mx.Unlock()
		return
	}
	i.stopped = true
	proc := i.proc
	i.mx.Unlock()

	i.terminate(proc, timeout)
	i.releasePort()

	i.mx.Lock()
	i.restarts = 0
	i.delay = 0
	i.backoff.Reset()
	i.setState(StateStopped, "Stopped")
	i.mx.Unlock()
}

// terminate ends proc, which may be nil.  Killing a container runtime
// client leaves the container itself running under the runtime daemon,
// so for containers the runtime is also told to remove it.
func (i *Instance) terminate(proc *process, timeout time.Duration) {
	if proc != nil {
		proc.Terminate(timeout)
	}
	i.mx.Lock()
	name := i.ctr
	i.ctr = ""
	i.mx.Unlock()
	if name == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	rm := exec.CommandContext(ctx, i.runtime, "rm", "-f", name)
	if e := runCommand(ctx, rm, i.stdout, i.stderr); e != nil {
		i.logger.Warn().Err(e).Str("container", name).Msg("Failed removing container")
		return
	}
	i.logger.Debug().Str("container", name).Msg("Container removed")
}

func (i *Instance) releasePort() {
	i.mx.Lock()
	port := i.held
	i.held = 0
	i.mx.Unlock()
	i.ports.Release(port)
}
