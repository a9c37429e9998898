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

// Package util is used for internal implementation bits in the CLI.
package util

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/autovisor"
)

// Status is a short lower case word for the state of an instance.
func Status(s *autovisor.InstanceStatus) string {
	return strings.ToLower(s.State.String())
}

// Failing reports whether the instance needs attention.
func Failing(s *autovisor.InstanceStatus) bool {
	switch s.State {
	case autovisor.StateCrashed, autovisor.StateUnhealthy, autovisor.StateRestarting:
		return true
	}
	return false
}

func FormatDuration(d time.Duration) string {

	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}

type sorted []*autovisor.InstanceStatus

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]

	if fa, fb := Failing(a), Failing(b); fa != fb {
		// put failing items at front
		return fa
	}
	if a.Alive != b.Alive {
		return a.Alive
	}
	return a.ID < b.ID
}

func SortInstances(items []*autovisor.InstanceStatus) {
	sort.Sort(sorted(items))
}
