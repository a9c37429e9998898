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

package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdamore/autovisor"
)

// newTestManager supervises two replicas of a shell script that just
// sleeps.  It cannot answer an HTTP probe, so every check passes.
func newTestManager(t *testing.T) *autovisor.Manager {
	dir := t.TempDir()
	script := "echo started\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sleep.sh"), []byte(script), 0644))

	cfg := autovisor.DefaultConfig()
	cfg.Name = "rest"
	cfg.Dir = dir
	cfg.Replicas = 2
	cfg.SettleTime = 100 * time.Millisecond
	cfg.StopTimeout = time.Second
	cfg.Watch = false
	cfg.Interpreters = map[string]string{"sh": "/bin/sh"}

	healthy := autovisor.ProberFunc(func(ctx context.Context, i *autovisor.Instance) autovisor.HealthResult {
		return autovisor.HealthResult{Healthy: true, CheckedAt: time.Now()}
	})
	m, err := autovisor.NewManager(cfg,
		autovisor.WithLogWriter(io.Discard),
		autovisor.WithProber(healthy))
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Shutdown(time.Second)
	})

	descs, err := autovisor.Scan(dir, autovisor.ScanOptions{Interpreters: cfg.Interpreters})
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.NoError(t, m.Reconcile(context.Background(), descs))
	return m
}

func get(t *testing.T, srv *httptest.Server, path string, hdrs map[string]string) *http.Response {
	req, err := http.NewRequest("GET", srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestSnapshotEtag(t *testing.T) {
	m := newTestManager(t)
	srv := httptest.NewServer(NewHandler(m))
	defer srv.Close()

	res := get(t, srv, "/snapshot", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, mimeJson, res.Header.Get("Content-Type"))
	etag := res.Header.Get("Etag")
	require.NotEmpty(t, etag)

	var snap autovisor.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	assert.Equal(t, formatEtag(snap.Serial), etag)
	assert.Len(t, snap.Instances, 2)
	assert.Equal(t, 2, snap.Live())

	res = get(t, srv, "/snapshot", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, res.StatusCode)

	go func() {
		time.Sleep(100 * time.Millisecond)
		m.Cycle(context.Background())
	}()
	start := time.Now()
	res = get(t, srv, "/snapshot", map[string]string{
		"If-None-Match": etag,
		PollTimeHeader:  "10",
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEqual(t, etag, res.Header.Get("Etag"))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestInstanceEndpoints(t *testing.T) {
	m := newTestManager(t)
	srv := httptest.NewServer(NewHandler(m))
	defer srv.Close()

	res := get(t, srv, "/instances", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var ids []string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&ids))
	assert.Equal(t, []string{"sleep.sh#0", "sleep.sh#1"}, ids)

	res = get(t, srv, "/instances/sleep.sh%230", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st autovisor.InstanceStatus
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	assert.Equal(t, "sleep.sh#0", st.ID)
	assert.Equal(t, autovisor.StateRunning, st.State)
	assert.Equal(t, autovisor.KindScript, st.Kind)
	assert.True(t, st.Alive)

	res = get(t, srv, "/instances/nope", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	var apiErr Error
	require.NoError(t, json.NewDecoder(res.Body).Decode(&apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Code)

	res = get(t, srv, "/log", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestClient(t *testing.T) {
	m := newTestManager(t)
	srv := httptest.NewServer(NewHandler(m))
	defer srv.Close()
	c := NewClient(nil, srv.URL)

	info, err := c.Info()
	require.NoError(t, err)
	assert.Equal(t, "rest", info.Name)
	assert.Equal(t, 2, info.Instances)

	ids, err := c.Instances()
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	st, err := c.GetInstance("sleep.sh#1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Replica)
	assert.Greater(t, st.Port, 0)

	_, err = c.GetInstance("nope")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Code)

	assert.Eventually(t, func() bool {
		li, err := c.GetLog("sleep.sh#0")
		if err != nil {
			return false
		}
		for _, r := range li.Records {
			if strings.Contains(r.Text, "started") {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	snap, err := c.GetSnapshot()
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		m.Cycle(context.Background())
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	next, err := c.WatchSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Greater(t, next.Serial, snap.Serial)

	li, err := c.GetLog("")
	require.NoError(t, err)
	assert.NotNil(t, li)
}
