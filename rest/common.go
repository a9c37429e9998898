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
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/autovisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollTimeHeader asks the server to hold a conditional request
	// (If-None-Match) for up to this many seconds, waiting for the
	// resource to change, before answering 304.
	PollTimeHeader = "X-Autovisor-Poll-Time"

	// MaxPollTime bounds how long the server will hold a request.
	MaxPollTime = 300 * time.Second
)

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// LogInfo is a fetched log, together with the tag needed to wait for it
// to change.
type LogInfo struct {
	etag    string
	Records []autovisor.LogRecord
}

func formatEtag(n int64) string {
	return `"` + strconv.FormatInt(n, 10) + `"`
}

func parseEtag(s string) (int64, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "W/")
	s = strings.Trim(s, `"`)
	n, e := strconv.ParseInt(s, 10, 64)
	return n, e == nil
}
