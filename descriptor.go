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
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Kind is the way a service is launched and probed.  The set is closed;
// code that acts on a Kind switches over all three values.
type Kind int

const (
	KindScript Kind = iota
	KindContainer
	KindExecutable
)

func (k Kind) String() string {
	switch k {
	case KindScript:
		return "script"
	case KindContainer:
		return "container"
	case KindExecutable:
		return "executable"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText lets a Kind appear by name in JSON and YAML.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for _, v := range []Kind{KindScript, KindContainer, KindExecutable} {
		if v.String() == string(b) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("unknown kind %q", string(b))
}

// HealthCheckSuffix is appended to the path of an executable to find its
// companion health check program.  Files with this suffix are never
// themselves treated as services.
const HealthCheckSuffix = ".healthcheck"

// containerFiles are the build files that mark a directory as a container.
var containerFiles = []string{"Dockerfile", "Containerfile"}

// Descriptor identifies one launchable unit found in the service
// directory.  Descriptors are values; a rescan produces new ones, and
// two descriptors for the same unit compare equal by Key.
type Descriptor struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
	Kind Kind   `json:"kind" yaml:"kind"`

	// Interpreter is only set for KindScript.
	Interpreter string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
}

// DescriptorKey is the identity of a Descriptor.
type DescriptorKey struct {
	Path string
	Kind Kind
}

func (d *Descriptor) Key() DescriptorKey {
	return DescriptorKey{Path: d.Path, Kind: d.Kind}
}

// HealthCheckPath returns the companion health check program for an
// executable descriptor.
func (d *Descriptor) HealthCheckPath() string {
	return d.Path + HealthCheckSuffix
}

// ScanOptions controls which units Scan recognizes.
type ScanOptions struct {
	// Interpreters maps a file extension, without the leading dot, to
	// the program used to run scripts with that extension.
	Interpreters map[string]string

	// Containers enables recognition of container build directories.
	Containers bool
}

// Scan examines the entries of dir and returns a descriptor for every
// launchable unit, sorted by name.  Entries which are not recognized are
// skipped.  The result is a point in time view; call Scan again to see
// changes.
func Scan(dir string, opts ScanOptions) ([]*Descriptor, error) {
	abs, e := filepath.Abs(dir)
	if e != nil {
		return nil, fmt.Errorf("resolve service directory %s: %w", dir, e)
	}
	entries, e := os.ReadDir(abs)
	if e != nil {
		return nil, fmt.Errorf("read service directory %s: %w", abs, e)
	}

	var descs []*Descriptor
	for _, ent := range entries {
		name := ent.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, HealthCheckSuffix) {
			continue
		}
		path := filepath.Join(abs, name)

		// Follow symlinks, a service may well be linked into place.
		info, e := os.Stat(path)
		if e != nil {
			continue
		}
		if d := classify(name, path, info, opts); d != nil {
			descs = append(descs, d)
		}
	}
	sort.Slice(descs, func(i, j int) bool {
		return descs[i].Name < descs[j].Name
	})
	return descs, nil
}

func classify(name, path string, info os.FileInfo, opts ScanOptions) *Descriptor {
	switch {
	case info.Mode().IsRegular():
		ext := strings.TrimPrefix(filepath.Ext(name), ".")
		if interp, ok := opts.Interpreters[strings.ToLower(ext)]; ok && ext != "" {
			return &Descriptor{
				Name:        name,
				Path:        path,
				Kind:        KindScript,
				Interpreter: interp,
			}
		}
		if info.Mode().Perm()&0111 != 0 {
			return &Descriptor{Name: name, Path: path, Kind: KindExecutable}
		}
	case info.IsDir():
		if !opts.Containers {
			return nil
		}
		for _, f := range containerFiles {
			if fi, e := os.Stat(filepath.Join(path, f)); e == nil && fi.Mode().IsRegular() {
				return &Descriptor{Name: name, Path: path, Kind: KindContainer}
			}
		}
	}
	return nil
}
