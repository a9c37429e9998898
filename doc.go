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

// Package autovisor supervises a directory full of services.
//
// A Manager scans a directory for launchable units (interpreted scripts,
// container build directories, and native executables), starts one or
// more instances of each as a separate operating system process on its
// own TCP port, and then polls every instance on a fixed interval.  An
// instance whose process has exited, or which fails its health check, is
// restarted after an exponentially growing delay.  After each poll a
// Snapshot of all instances is handed to the registered Sinks, and is
// also available from the Manager itself for the HTTP status API found
// in the rest subpackage.
//
// The directory is watched for changes, and the set of supervised
// instances is reconciled against a fresh scan whenever it changes.
//
// There are no manifests; the directory itself is the source of truth.
package autovisor
