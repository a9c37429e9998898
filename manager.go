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
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Manager supervises the services found in one directory.
type Manager struct {
	name    string
	cfg     Config
	logger  zerolog.Logger
	log     *Log
	logOut  io.Writer
	prober  Prober
	metrics MetricsCollector
	sinks   []Sink
	gate    RestartGate
	ports   *portPool

	instances  map[string]*Instance
	byKey      map[DescriptorKey][]*Instance
	snap       Snapshot
	serial     int64
	listSerial int64
	createTime time.Time
	updateTime time.Time
	closed     bool
	mx         sync.Mutex
	cvs        map[*sync.Cond]bool

	recMx sync.Mutex // serializes Reconcile
	pubMx sync.Mutex // keeps snapshots in serial order for sinks
}

type ManagerInfo struct {
	Name       string    `json:"name"`
	Dir        string    `json:"dir"`
	Serial     int64     `json:"serial,string"`
	Instances  int       `json:"instances"`
	UpdateTime time.Time `json:"updateTime"`
	CreateTime time.Time `json:"createTime"`
}

func (m *Manager) lock() {
	m.mx.Lock()
}

func (m *Manager) unlock() {
	m.mx.Unlock()
}

func (m *Manager) wakeUp() {
	// NB: If the lock is not held here, then there is a risk
	// that the woken goroutines won't get see the updated
	// serial number!!
	for cv := range m.cvs {
		cv.Broadcast()
	}
}

// bumpSerial increments the serial and notifies watchers.
// Call with lock held.
func (m *Manager) bumpSerial() int64 {
	m.updateTime = time.Now()
	m.serial++
	m.wakeUp()
	return m.serial
}

// watchSerial monitors for a change in a specific serial number.  It returns
// the new serial number when it changes.  If the serial number has not
// changed in the given duration then the old value is returned.  A poll
// can be done by supplying 0 for the expiration.
func (m *Manager) watchSerial(old int64, src *int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&m.mx)
	var timer *time.Timer
	var rv int64

	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			m.lock()
			expired = true
			cv.Broadcast()
			m.unlock()
		})
	} else {
		expired = true
	}

	m.lock()
	m.cvs[cv] = true
	for {
		rv = *src
		if rv != old || expired {
			break
		}
		cv.Wait()
	}
	delete(m.cvs, cv)
	m.unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// WatchSerial waits for a new snapshot to be published.
func (m *Manager) WatchSerial(old int64, expire time.Duration) int64 {
	return m.watchSerial(old, &m.serial, expire)
}

// WatchInstances waits for a change in the set of instances.
func (m *Manager) WatchInstances(old int64, expire time.Duration) int64 {
	return m.watchSerial(old, &m.listSerial, expire)
}

// Serial returns the serial number of the latest snapshot.
func (m *Manager) Serial() int64 {
	m.lock()
	rv := m.serial
	m.unlock()
	return rv
}

// ListSerial changes whenever instances are added or removed.
func (m *Manager) ListSerial() int64 {
	m.lock()
	rv := m.listSerial
	m.unlock()
	return rv
}

// Name returns the name the manager was allocated with.  This makes it
// possible to distinguish between separate manager instances.
func (m *Manager) Name() string {
	return m.name
}

// Config returns the configuration the manager was created with.
func (m *Manager) Config() Config {
	return m.cfg
}

// Logger is the supervisor's structured logger.
func (m *Manager) Logger() zerolog.Logger {
	return m.logger
}

// GetInfo returns top-level information about the Manager.  This is done
// in a manner that ensures that the info is consistent.
func (m *Manager) GetInfo() *ManagerInfo {
	m.lock()
	i := &ManagerInfo{
		Name:       m.name,
		Dir:        m.cfg.Dir,
		Serial:     m.serial,
		Instances:  len(m.instances),
		CreateTime: m.createTime,
		UpdateTime: m.updateTime,
	}
	m.unlock()
	return i
}

// Instances returns the supervised instances, ordered by id.
func (m *Manager) Instances() []*Instance {
	m.lock()
	rv := make([]*Instance, 0, len(m.instances))
	for _, i := range m.instances {
		rv = append(rv, i)
	}
	m.unlock()
	sort.Slice(rv, func(a, b int) bool {
		return rv[a].ID() < rv[b].ID()
	})
	return rv
}

// Instance looks up an instance by id.
func (m *Manager) Instance(id string) (*Instance, error) {
	m.lock()
	defer m.unlock()
	if i, ok := m.instances[id]; ok {
		return i, nil
	}
	return nil, ErrNotFound
}

// Snapshot returns the most recently published snapshot.
func (m *Manager) Snapshot() Snapshot {
	m.lock()
	defer m.unlock()
	return m.snap
}

// Log is the supervisor's own log, as kept in memory.
func (m *Manager) Log() *Log {
	return m.log
}

func (m *Manager) GetLog(lastid int64) ([]LogRecord, int64) {
	return m.log.GetRecords(lastid)
}

func (m *Manager) WatchLog(old int64, expire time.Duration) int64 {
	return m.log.Watch(old, expire)
}

// publish builds a snapshot from the current instances and hands it to
// every sink.
func (m *Manager) publish() Snapshot {
	m.pubMx.Lock()
	defer m.pubMx.Unlock()

	insts := m.Instances()
	st := make([]InstanceStatus, 0, len(insts))
	for _, i := range insts {
		st = append(st, i.Status())
	}

	m.lock()
	m.snap = Snapshot{
		Name:      m.name,
		Time:      time.Now(),
		Instances: st,
	}
	m.snap.Serial = m.bumpSerial()
	snap := m.snap
	m.unlock()

	m.metrics.Instances(len(st))
	for _, s := range m.sinks {
		if e := s.Publish(snap); e != nil {
			m.logger.Error().Err(e).Msg("Snapshot sink failed")
		}
	}
	return snap
}

// Cycle runs one poll cycle.  Every instance is checked concurrently:
// one whose process has gone away is restarted without probing it, and
// one that is alive is probed and restarted if unhealthy.  Instances in
// the middle of starting, restarting or stopping are left alone.  Once
// all checks (including any restarts) finish, a snapshot is published.
func (m *Manager) Cycle(ctx context.Context) Snapshot {
	var g errgroup.Group
	for _, inst := range m.Instances() {
		inst := inst
		g.Go(func() error {
			m.checkInstance(ctx, inst)
			return nil
		})
	}
	g.Wait()
	return m.publish()
}

func (m *Manager) checkInstance(ctx context.Context, inst *Instance) {
	logger := m.logger.With().Str("instance", inst.ID()).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Instance check panicked")
		}
	}()

	switch inst.State() {
	case StateStarting, StateRestarting, StateStopped:
		return
	}
	if !inst.IsAlive() {
		inst.markExited()
		logger.Warn().Str("reason", inst.Status().Reason).Msg("Instance is not alive")
		m.restart(ctx, inst)
		return
	}
	if res := inst.PollHealth(ctx); !res.Healthy {
		logger.Warn().Str("detail", res.Detail).Msg("Instance is unhealthy")
		m.restart(ctx, inst)
	}
}

func (m *Manager) restart(ctx context.Context, inst *Instance) {
	if m.gate != nil && !m.gate(inst.Status()) {
		m.logger.Info().Err(ErrRestartGated).Str("instance", inst.ID()).Msg("Restart skipped")
		return
	}
	if e := inst.Restart(ctx); e != nil && !errors.Is(e, ErrStopped) {
		m.logger.Error().Err(e).Str("instance", inst.ID()).Msg("Restart failed")
	}
}

// Reconcile brings the supervised set in line with descs.  Instances
// whose descriptor has gone are stopped and removed; each new descriptor
// gets its replicas created and launched.  Instances of descriptors that
// are still present are left running untouched.
func (m *Manager) Reconcile(ctx context.Context, descs []*Descriptor) error {
	m.recMx.Lock()
	defer m.recMx.Unlock()

	want := make(map[DescriptorKey]*Descriptor, len(descs))
	for _, d := range descs {
		want[d.Key()] = d
	}

	var removed, added []*Instance
	m.lock()
	if m.closed {
		m.unlock()
		return ErrStopped
	}
	for k, insts := range m.byKey {
		if _, ok := want[k]; ok {
			continue
		}
		for _, i := range insts {
			delete(m.instances, i.ID())
		}
		delete(m.byKey, k)
		removed = append(removed, insts...)
	}
	for _, d := range descs {
		k := d.Key()
		if _, ok := m.byKey[k]; ok {
			continue
		}
		var insts []*Instance
		for r := 0; r < m.cfg.Replicas; r++ {
			i := newInstance(d, r, &m.cfg, m.ports, m.prober, m.metrics, m.logger)
			insts = append(insts, i)
			m.instances[i.ID()] = i
		}
		m.byKey[k] = insts
		added = append(added, insts...)
	}
	if len(removed)+len(added) > 0 {
		m.listSerial++
		m.wakeUp()
	}
	m.unlock()

	if len(removed)+len(added) == 0 {
		return nil
	}
	m.logger.Info().
		Int("added", len(added)).
		Int("removed", len(removed)).
		Msg("Reconciling services")

	var g errgroup.Group
	for _, i := range removed {
		i := i
		g.Go(func() error {
			i.Stop(m.cfg.StopTimeout)
			return nil
		})
	}
	for _, i := range added {
		i := i
		g.Go(func() error {
			// failures leave the instance Crashed; the next cycle retries
			i.Launch(ctx)
			return nil
		})
	}
	g.Wait()
	m.publish()
	return nil
}

// Shutdown stops every instance, giving each up to timeout to exit
// gracefully before it is killed, and publishes a final snapshot.  The
// manager cannot be used to supervise anything afterwards.
func (m *Manager) Shutdown(timeout time.Duration) Snapshot {
	m.lock()
	m.closed = true
	m.unlock()

	insts := m.Instances()
	m.logger.Info().Int("instances", len(insts)).Msg("Shutting down")
	var wg sync.WaitGroup
	for _, i := range insts {
		wg.Add(1)
		go func(i *Instance) {
			defer wg.Done()
			i.Stop(timeout)
		}(i)
	}
	wg.Wait()
	snap := m.publish()
	m.logger.Info().Msgf("*** Autovisor shut down: %s ***", m.name)
	return snap
}

func (m *Manager) isEmpty() bool {
	m.lock()
	defer m.unlock()
	return len(m.instances) == 0
}

// Run supervises until ctx is done.  It scans the service directory,
// launches what it finds, starts the directory watcher if configured,
// and then polls every PollInterval.  When ctx is done every instance is
// stopped before Run returns.
//
// If ExitWhenEmpty is set, Run returns ErrNoServices as soon as there is
// nothing to supervise.
func (m *Manager) Run(ctx context.Context) error {
	descs, e := Scan(m.cfg.Dir, m.cfg.scanOptions())
	if e != nil {
		return fmt.Errorf("scan %s: %w", m.cfg.Dir, e)
	}
	m.logger.Info().
		Str("dir", m.cfg.Dir).
		Int("services", len(descs)).
		Int("replicas", m.cfg.Replicas).
		Msgf("*** Autovisor starting: %s ***", m.name)
	if len(descs) == 0 {
		if m.cfg.ExitWhenEmpty {
			return ErrNoServices
		}
		m.logger.Warn().Msg("No services found")
	}

	var wg sync.WaitGroup
	wctx, wcancel := context.WithCancel(ctx)
	defer func() {
		wcancel()
		wg.Wait()
		m.Shutdown(m.cfg.StopTimeout)
	}()

	if e := m.Reconcile(ctx, descs); e != nil {
		return e
	}
	if m.cfg.Watch {
		w, e := newWatcher(m)
		if e != nil {
			m.logger.Error().Err(e).Msg("Directory watcher unavailable")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.run(wctx)
			}()
		}
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return nil
		}
		m.Cycle(ctx)
		if m.cfg.ExitWhenEmpty && m.isEmpty() {
			m.logger.Warn().Msg("No services left to supervise")
			return ErrNoServices
		}
	}
}

// NewManager creates a manager for the given configuration, which is
// validated first.  Nothing is started until Run (or Reconcile) is
// called.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if e := cfg.Validate(); e != nil {
		return nil, e
	}
	if cfg.Name == "" {
		cfg.Name = "autovisor"
	}
	// We set the origin serial number to the current timestamp in nsec.
	// The assumption here is that we won't have changes to serial number
	// occur at frequency > 1GHz.  Hence, it should be safe for us to use
	// these as unique values, and this may help clients that cache force
	// an invalidation if the server for some reason restarts.
	now := time.Now()
	m := &Manager{
		name:       cfg.Name,
		cfg:        cfg,
		log:        NewLog(0),
		ports:      newPortPool(),
		instances:  make(map[string]*Instance),
		byKey:      make(map[DescriptorKey][]*Instance),
		serial:     now.UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
		createTime: now,
		updateTime: now,
	}
	m.listSerial = m.serial
	for _, o := range opts {
		o(m)
	}
	if m.prober == nil {
		m.prober = NewProber(cfg.ProbeTimeout)
	}
	if m.metrics == nil {
		m.metrics = NewNoopMetrics()
	}
	if cfg.StatusFile != "" {
		m.sinks = append(m.sinks, NewFileSink(cfg.StatusFile))
	}
	if m.logOut == nil {
		m.logOut = os.Stderr
	}
	out := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: m.logOut, TimeFormat: time.RFC3339},
		zerolog.ConsoleWriter{Out: m.log, NoColor: true, TimeFormat: time.RFC3339},
	)
	m.logger = zerolog.New(out).
		Level(cfg.Level()).
		With().
		Timestamp().
		Str("supervisor", cfg.Name).
		Logger()
	m.snap = Snapshot{
		Name:      cfg.Name,
		Serial:    m.serial,
		Time:      now,
		Instances: []InstanceStatus{},
	}
	return m, nil
}
