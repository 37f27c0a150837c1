// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package p2pmq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcessMarkerFile is written to the base directory of a running node
const ProcessMarkerFile = "process-id"

// ErrBaseDirectoryInUse is returned when another live process owns the base directory
var ErrBaseDirectoryInUse = errors.New("base directory in use by another node")

type processMarker struct {
	path string
}

// acquireProcessMarker writes this process's id into dir. A marker left by a process
// that no longer exists is replaced.
func acquireProcessMarker(dir string) (*processMarker, error) {
	path := filepath.Join(dir, ProcessMarkerFile)

	if raw, err := os.ReadFile(path); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if convErr == nil && pid != os.Getpid() && processAlive(pid) {
			return nil, fmt.Errorf("%w: %s (pid %d)", ErrBaseDirectoryInUse, dir, pid)
		}
		if convErr == nil && pid == os.Getpid() {
			return nil, fmt.Errorf("%w: %s", ErrBaseDirectoryInUse, dir)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read process-id marker: %w", err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write process-id marker: %w", err)
	}
	return &processMarker{path: path}, nil
}

func (m *processMarker) release() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MarkerExists reports whether dir holds a process-id marker
func MarkerExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ProcessMarkerFile))
	return err == nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
