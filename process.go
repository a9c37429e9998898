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
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// waitDelay bounds how long we wait for output pipes to drain after a
// process exits; a grandchild holding the pipe open must not wedge us.
const waitDelay = time.Second

// process is a single running operating system process.  It is owned by
// exactly one Instance, and is never restarted; a restart makes a new one.
type process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error // exit status, valid once done is closed
	stdout *MultiLogger
	stderr *MultiLogger
	logger zerolog.Logger
}

func (p *process) doWait() {
	e := p.cmd.Wait()
	p.stdout.Flush()
	p.stderr.Flush()
	p.err = e
	if e != nil {
		p.logger.Info().Err(e).Msg("Process exited")
	} else {
		p.logger.Info().Msg("Process exited cleanly")
	}
	close(p.done)
}

// startProcess starts cmd in its own process group, with output sent to
// the supplied loggers.  A goroutine reaps it when it exits.
func startProcess(cmd *exec.Cmd, stdout, stderr *MultiLogger, logger zerolog.Logger) (*process, error) {
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	if e := cmd.Start(); e != nil {
		return nil, e
	}
	p := &process{
		cmd:    cmd,
		done:   make(chan struct{}),
		stdout: stdout,
		stderr: stderr,
		logger: logger.With().Int("pid", cmd.Process.Pid).Logger(),
	}
	p.logger.Debug().Str("cmd", cmd.String()).Msg("Process started")
	go p.doWait()
	return p, nil
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

// Alive never blocks.
func (p *process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has been reaped.
func (p *process) Done() <-chan struct{} {
	return p.done
}

// ExitErr is the result of Wait.  Only meaningful after Done.
func (p *process) ExitErr() error {
	<-p.done
	return p.err
}

// Terminate asks the process group to exit, and waits up to timeout for
// that to happen before killing it.  It always waits for the process to
// be reaped, so on return the process is definitely gone.
func (p *process) Terminate(timeout time.Duration) {
	if !p.Alive() {
		return
	}
	if e := interruptProcess(p.cmd.Process); e != nil {
		p.logger.Warn().Err(e).Msg("Failed sending SIGTERM")
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-p.done:
		return
	case <-expired:
		p.logger.Warn().Dur("timeout", timeout).Msg("Graceful shutdown timed out")
	}
	if e := killProcess(p.cmd.Process); e != nil {
		p.logger.Warn().Err(e).Msg("Failed killing")
	}
	<-p.done
}

// runCommand runs a short lived helper command (an image build, say) to
// completion, with its output captured the same way as a service.
func runCommand(ctx context.Context, cmd *exec.Cmd, stdout, stderr *MultiLogger) error {
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcess(cmd.Process)
	}
	e := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if e != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return e
}
