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
	"strings"
	"sync"
	"time"
)

const (
	MaxLogRecords = 1000
)

// LogRecord is a single line of text captured by a Log.
type LogRecord struct {
	Id   int64     `json:"id,string" yaml:"id"`
	Time time.Time `json:"time" yaml:"time"`
	Text string    `json:"text" yaml:"text"`
}

// Log is a bounded, in-memory ring of text lines.  It is used both for
// the supervisor's own log, and for the captured output of each instance.
// It implements io.Writer, so it can sit behind a zerolog writer or an
// exec.Cmd output stream.
type Log struct {
	records []LogRecord
	next    int // index of the next slot; may exceed len(records)
	id      int64
	cvs     map[*sync.Cond]bool
	mx      sync.Mutex
}

// Write implements io.Writer.  Input is split on newlines, and each
// non-empty line becomes a record.
func (l *Log) Write(b []byte) (int, error) {
	str := strings.TrimRight(string(b), "\n")
	now := time.Now()
	l.mx.Lock()
	for _, line := range strings.Split(str, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		l.id++
		r := &l.records[l.next%len(l.records)]
		r.Id = l.id
		r.Time = now
		r.Text = line
		l.next++
	}
	for cv := range l.cvs {
		cv.Broadcast()
	}
	l.mx.Unlock()
	return len(b), nil
}

// Clear discards all records.  The id is moved forward so that cached
// ids held by clients are invalidated.
func (l *Log) Clear() {
	l.mx.Lock()
	l.next = 0
	l.id = time.Now().UnixNano()
	for cv := range l.cvs {
		cv.Broadcast()
	}
	l.mx.Unlock()
}

// GetRecords returns the records that are stored, oldest first, as well
// as an ID suitable for use as an Etag.  If last matches the current ID,
// nil is returned immediately, as nothing has changed.  IDs are not unique
// across different Log instances.
func (l *Log) GetRecords(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	return l.tail(len(l.records)), l.id
}

// Tail returns up to n of the most recent records, oldest first.
func (l *Log) Tail(n int) []LogRecord {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.tail(n)
}

func (l *Log) tail(n int) []LogRecord {
	cnt := l.next
	if cnt > len(l.records) {
		cnt = len(l.records)
	}
	if n < cnt {
		cnt = n
	}
	recs := make([]LogRecord, 0, cnt)
	for i := l.next - cnt; i < l.next; i++ {
		recs = append(recs, l.records[i%len(l.records)])
	}
	return recs
}

// Watch waits until the log ID differs from last, or expire elapses,
// and returns the current ID.  An expire of zero just polls.
func (l *Log) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&l.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			l.mx.Lock()
			expired = true
			cv.Broadcast()
			l.mx.Unlock()
		})
	} else {
		expired = true
	}

	l.mx.Lock()
	l.cvs[cv] = true
	for l.id == last && !expired {
		cv.Wait()
	}
	delete(l.cvs, cv)
	last = l.id
	l.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}

// NewLog returns a Log holding at most max records.  A max of zero
// selects MaxLogRecords.
func NewLog(max int) *Log {
	if max <= 0 {
		max = MaxLogRecords
	}
	return &Log{
		records: make([]LogRecord, max),
		id:      time.Now().UnixNano(),
		cvs:     make(map[*sync.Cond]bool),
	}
}
