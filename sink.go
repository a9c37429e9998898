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
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Sink consumes published snapshots.  Sinks are read-only consumers, and
// an error from one is logged but otherwise ignored.
type Sink interface {
	Publish(Snapshot) error
}

type SinkFunc func(Snapshot) error

func (f SinkFunc) Publish(s Snapshot) error {
	return f(s)
}

// FileSink writes each snapshot as a YAML document.  The file is replaced
// atomically, so readers never see a partial document.
type FileSink struct {
	path string
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (f *FileSink) Path() string {
	return f.path
}

func (f *FileSink) Publish(s Snapshot) error {
	b, e := yaml.Marshal(&s)
	if e != nil {
		return e
	}
	dir, base := filepath.Split(f.path)
	if dir == "" {
		dir = "."
	}
	tmp, e := os.CreateTemp(dir, "."+base+".*")
	if e != nil {
		return e
	}
	defer os.Remove(tmp.Name())
	if _, e = tmp.Write(b); e != nil {
		tmp.Close()
		return e
	}
	if e = tmp.Close(); e != nil {
		return e
	}
	return os.Rename(tmp.Name(), f.path)
}

// ReadSnapshotFile loads a snapshot written by a FileSink.
func ReadSnapshotFile(path string) (Snapshot, error) {
	var s Snapshot
	b, e := os.ReadFile(path)
	if e != nil {
		return s, e
	}
	e = yaml.Unmarshal(b, &s)
	return s, e
}
