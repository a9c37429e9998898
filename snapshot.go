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
	"time"
)

// Snapshot is the status of every supervised instance at the end of a
// poll cycle.  Snapshots are values; once published they never change.
type Snapshot struct {
	Name      string           `json:"name" yaml:"name"`
	Serial    int64            `json:"serial,string" yaml:"serial"`
	Time      time.Time        `json:"time" yaml:"time"`
	Instances []InstanceStatus `json:"instances" yaml:"instances"`
}

// Live counts the instances with a running process.
func (s Snapshot) Live() int {
	n := 0
	for _, st := range s.Instances {
		if st.Alive {
			n++
		}
	}
	return n
}

// Find returns the status for the given instance id.
func (s Snapshot) Find(id string) (InstanceStatus, bool) {
	for _, st := range s.Instances {
		if st.ID == id {
			return st, true
		}
	}
	return InstanceStatus{}, false
}

// Count returns the number of instances in each state.
func (s Snapshot) Count() map[State]int {
	m := make(map[State]int)
	for _, st := range s.Instances {
		m[st.State]++
	}
	return m
}
