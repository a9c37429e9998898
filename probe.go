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
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// HealthResult is the outcome of one health probe.
type HealthResult struct {
	Healthy   bool      `json:"healthy" yaml:"healthy"`
	CheckedAt time.Time `json:"checkedAt" yaml:"checkedAt"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Prober checks whether a running instance is functioning.  It must not
// block for long, and it never fails; problems are reported as an
// unhealthy result.
type Prober interface {
	Check(ctx context.Context, inst *Instance) HealthResult
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, inst *Instance) HealthResult

func (f ProberFunc) Check(ctx context.Context, inst *Instance) HealthResult {
	return f(ctx, inst)
}

type probe struct {
	client  *http.Client
	timeout time.Duration
}

// NewProber returns the standard Prober.  Scripts and containers are
// expected to answer GET /health with a 200 on their port; executables
// are expected to come with a companion program (see HealthCheckSuffix)
// that exits zero when the service is healthy.  Each check is bounded by
// timeout.
func NewProber(timeout time.Duration) Prober {
	return &probe{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
		timeout: timeout,
	}
}

func (p *probe) Check(ctx context.Context, inst *Instance) HealthResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	d := inst.Descriptor()
	port := inst.Port()
	var e error
	switch d.Kind {
	case KindScript, KindContainer:
		e = p.checkHTTP(ctx, port)
	case KindExecutable:
		e = p.checkCommand(ctx, d.HealthCheckPath(), port)
	default:
		e = fmt.Errorf("no health probe for kind %v", d.Kind)
	}
	res := HealthResult{Healthy: e == nil, CheckedAt: time.Now()}
	if e != nil {
		res.Detail = e.Error()
	}
	return res
}

func (p *probe) checkHTTP(ctx context.Context, port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}
	url := fmt.Sprintf("http://localhost:%d/health", port)
	req, e := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if e != nil {
		return e
	}
	res, e := p.client.Do(req)
	if e != nil {
		return e
	}
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, res.Status)
	}
	return nil
}

func (p *probe) checkCommand(ctx context.Context, path string, port int) error {
	if _, e := os.Stat(path); e != nil {
		return fmt.Errorf("health check program: %w", e)
	}
	cmd := exec.CommandContext(ctx, path, strconv.Itoa(port))
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(port))
	cmd.WaitDelay = waitDelay
	e := cmd.Run()
	if e != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("health check timed out after %v", p.timeout)
	}
	return e
}
