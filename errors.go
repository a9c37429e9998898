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
	"errors"
)

var (
	ErrStopped      = errors.New("Instance is stopped")
	ErrNotFound     = errors.New("Instance not found")
	ErrNoServices   = errors.New("No services to supervise")
	ErrBadConfig    = errors.New("Bad configuration")
	ErrNoPort       = errors.New("Unable to allocate port")
	ErrStartupExit  = errors.New("Exited during startup")
	ErrBuildFailed  = errors.New("Container image build failed")
	ErrRestartGated = errors.New("Restart refused by restart gate")
)
