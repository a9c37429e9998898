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

package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gdamore/autovisor"
)

// Client talks to the status API served by a Handler.
type Client struct {
	user   string // HTTP Basic-Auth
	pass   string
	base   string // URI to root of tree on server
	auth   bool
	client *http.Client
}

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) url(id string) string {
	if id == "" {
		return c.base + "/instances"
	}
	return c.base + "/instances/" + url.PathEscape(id)
}

// poll issues an HTTP GET against the URL, optionally checking for a cache,
// including optionally issuing a long poll that tries to wait until the
// value changes.  The return values are the new Etag and any error.  If the
// value did not change, then the returned etag will be "", but the error will
// be nil.
func (c *Client) poll(ctx context.Context, url string, etag string, wait int, v interface{}) (string, error) {
	req, e := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if e != nil {
		return "", e
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}

	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		rerr := &Error{Code: res.StatusCode, Message: res.Status}
		if b, e := io.ReadAll(res.Body); e == nil {
			json.Unmarshal(b, rerr)
		}
		return "", rerr
	}
	body, e := io.ReadAll(res.Body)
	if e != nil {
		return "", e
	}
	if e := json.Unmarshal(body, v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

func quick() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// Info returns top-level information about the supervisor.
func (c *Client) Info() (*autovisor.ManagerInfo, error) {
	ctx, cancel := quick()
	defer cancel()
	v := &autovisor.ManagerInfo{}
	if _, e := c.poll(ctx, c.base+"/", "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

// GetSnapshot fetches the latest published snapshot.
func (c *Client) GetSnapshot() (*autovisor.Snapshot, error) {
	ctx, cancel := quick()
	defer cancel()
	return c.pollSnapshot(ctx, nil, 0)
}

// WatchSnapshot waits for a snapshot newer than last, and returns it.
// If nothing is published for a while, last itself comes back.  A nil
// last returns the current snapshot immediately.
func (c *Client) WatchSnapshot(ctx context.Context, last *autovisor.Snapshot) (*autovisor.Snapshot, error) {
	return c.pollSnapshot(ctx, last, int(MaxPollTime/time.Second))
}

func (c *Client) pollSnapshot(ctx context.Context, last *autovisor.Snapshot, secs int) (*autovisor.Snapshot, error) {
	otag := ""
	if last != nil {
		otag = formatEtag(last.Serial)
	}
	v := &autovisor.Snapshot{}
	etag, e := c.poll(ctx, c.base+"/snapshot", otag, secs, v)
	if e != nil {
		return nil, e
	}
	if etag == "" {
		return last, nil
	}
	return v, nil
}

// Instances returns the ids of the supervised instances.
func (c *Client) Instances() ([]string, error) {
	ctx, cancel := quick()
	defer cancel()
	v := []string{}
	if _, e := c.poll(ctx, c.url(""), "", 0, &v); e != nil {
		return nil, e
	}
	return v, nil
}

// GetInstance returns the current status of one instance.
func (c *Client) GetInstance(id string) (*autovisor.InstanceStatus, error) {
	ctx, cancel := quick()
	defer cancel()
	v := &autovisor.InstanceStatus{}
	if _, e := c.poll(ctx, c.url(id), "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) pollLog(ctx context.Context, id string, secs int, last *LogInfo) (*LogInfo, error) {
	otag := ""
	if last == nil {
		secs = 0
	} else {
		otag = last.etag
	}

	url := c.url(id) + "/log"
	if id == "" {
		url = c.base + "/log"
	}

	v := &LogInfo{}
	etag, e := c.poll(ctx, url, otag, secs, &v.Records)
	if e != nil {
		return nil, e
	}
	if etag == "" {
		return last, nil
	}
	v.etag = etag
	return v, nil
}

// GetLog returns the captured output of an instance, or the supervisor's
// own log if id is empty.
func (c *Client) GetLog(id string) (*LogInfo, error) {
	ctx, cancel := quick()
	defer cancel()
	return c.pollLog(ctx, id, 0, nil)
}

// WatchLog waits for the log to change from last.
func (c *Client) WatchLog(ctx context.Context, id string, last *LogInfo) (*LogInfo, error) {
	return c.pollLog(ctx, id, int(MaxPollTime/time.Second), last)
}

// NewClient returns a Client handle.  The transport maybe nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t *http.Transport, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		base:   baseURI,
		client: &http.Client{Transport: t},
	}
}
