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
	"bytes"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// MultiLogger breaks a byte stream (typically the stdout or stderr of a
// child process) into lines, and fans each complete line out to every
// registered writer, as well as to a structured logger at debug level.
// Partial lines are held until the newline arrives, or until Flush.
type MultiLogger struct {
	stream  string
	logger  zerolog.Logger
	writers []io.Writer
	partial []byte
	lock    sync.Mutex
}

// Write implements io.Writer.
func (l *MultiLogger) Write(b []byte) (int, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.partial = append(l.partial, b...)
	for {
		idx := bytes.IndexByte(l.partial, '\n')
		if idx < 0 {
			break
		}
		l.emit(l.partial[:idx])
		l.partial = l.partial[idx+1:]
	}
	return len(b), nil
}

// Flush delivers any trailing partial line.
func (l *MultiLogger) Flush() {
	l.lock.Lock()
	if len(l.partial) != 0 {
		l.emit(l.partial)
		l.partial = nil
	}
	l.lock.Unlock()
}

// call with lock held
func (l *MultiLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	l.logger.Debug().Str("stream", l.stream).Msg(string(line))
	out := append(append(make([]byte, 0, len(line)+1), line...), '\n')
	for _, w := range l.writers {
		w.Write(out)
	}
}

// AddWriter adds a destination.  A writer can only be added once.
func (l *MultiLogger) AddWriter(w io.Writer) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, x := range l.writers {
		if x == w {
			return
		}
	}
	l.writers = append(l.writers, w)
}

// DelWriter removes a destination added with AddWriter.
func (l *MultiLogger) DelWriter(w io.Writer) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for i, x := range l.writers {
		if x == w {
			l.writers = append(l.writers[:i], l.writers[i+1:]...)
			break
		}
	}
}

// NewMultiLogger returns a MultiLogger tagging its structured log
// entries with the given stream name.
func NewMultiLogger(stream string, logger zerolog.Logger, writers ...io.Writer) *MultiLogger {
	return &MultiLogger{
		stream:  stream,
		logger:  logger,
		writers: append([]io.Writer{}, writers...),
	}
}
