// Copyright 2026 The llamadyn Authors
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

package refresh

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

const transcriptSeparator = "================"

// Transcript appends per-step session snapshots and service output to a
// text file for offline inspection. Writes are serialized; each entry is
// written in one call so concurrent sessions sharing a file do not
// interleave.
type Transcript struct {
	mu   sync.Mutex
	path string
}

// NewTranscript records entries to the file at path, created on first
// append.
func NewTranscript(path string) *Transcript {
	return &Transcript{path: path}
}

// Path returns the transcript file path.
func (t *Transcript) Path() string { return t.path }

// Append writes one entry: a separator, the generated-so-far session text,
// and the service's raw output when present.
func (t *Transcript) Append(sessionText, serviceOutput string) error {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(transcriptSeparator)
	b.WriteString("\n")
	b.WriteString(sessionText)
	b.WriteString("\n\n")
	if serviceOutput != "" {
		b.WriteString(serviceOutput)
		b.WriteString("\n")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrTranscript, t.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTranscript, t.path, err)
	}
	return nil
}
