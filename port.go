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
	"fmt"
	"net"
	"sync"
)

// portAttempts bounds how often a pool asks the kernel again when it is
// handed a port that is already assigned.
const portAttempts = 64

// AllocatePort asks the operating system for an unused TCP port on the
// loopback interface.  The listening socket is closed before returning,
// so nothing is reserved; the caller must hand the port to its process
// promptly.
func AllocatePort() (int, error) {
	l, e := net.Listen("tcp", "127.0.0.1:0")
	if e != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoPort, e)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

// portPool hands out ports that are distinct from every other port it
// has handed out and not yet taken back.  The kernel may return a port
// again as soon as its probe socket is closed, so the pool remembers
// what belongs to live instances.  A Manager shares one among all of its
// instances.
type portPool struct {
	mx    sync.Mutex
	inUse map[int]bool
}

func newPortPool() *portPool {
	return &portPool{inUse: make(map[int]bool)}
}

// Allocate returns a free port, and records it until Release.
func (pp *portPool) Allocate() (int, error) {
	pp.mx.Lock()
	defer pp.mx.Unlock()
	for n := 0; n < portAttempts; n++ {
		port, e := AllocatePort()
		if e != nil {
			return 0, e
		}
		if !pp.inUse[port] {
			pp.inUse[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: %d attempts returned assigned ports", ErrNoPort, portAttempts)
}

// Release returns port to the pool.  Zero is ignored.
func (pp *portPool) Release(port int) {
	if port == 0 {
		return
	}
	pp.mx.Lock()
	delete(pp.inUse, port)
	pp.mx.Unlock()
}

// Len is the number of ports currently assigned.
func (pp *portPool) Len() int {
	pp.mx.Lock()
	defer pp.mx.Unlock()
	return len(pp.inUse)
}
