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

// Package refresh fetches replacement grammar text from an external
// completion service during generation, normalizes known quirks in the
// emitted grammar, and keeps the session transcript.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrService reports an unreachable refresh service or unparseable
	// service output. Non-fatal: the step degrades to unconstrained
	// sampling.
	ErrService = errors.New("refresh: grammar service error")
	// ErrTranscript reports a transcript write failure. Non-fatal,
	// warning only.
	ErrTranscript = errors.New("refresh: transcript write error")
)

// DefaultDelimiter separates the service's diagnostics from the grammar
// payload in its output.
const DefaultDelimiter = "LSP: Grammar:\n"

// DefaultTimeout bounds one service invocation. The service call sits on
// the hot sampling path, so a hung subprocess must fail the step instead of
// deadlocking the generation loop.
const DefaultTimeout = 30 * time.Second

// Request carries one grammar refresh invocation.
type Request struct {
	// GrammarID names the grammar at the service.
	GrammarID string
	// PrecedingText is the generated-so-far text, minus the prelude and
	// the newest token.
	PrecedingText string
	// NewTokenText is the decoded text of the most recently accepted
	// token.
	NewTokenText string
}

// Result is the outcome of one refresh invocation.
type Result struct {
	// GrammarText is the normalized grammar source extracted from the
	// service output; empty when the delimiter was missing.
	GrammarText string
	// RawOutput is the service's full output, kept for the transcript.
	RawOutput string
}

// Refresher fetches replacement grammar text for the current generation
// position.
type Refresher interface {
	Refresh(ctx context.Context, req Request) (Result, error)
}

// CommandConfig configures a CommandRefresher.
type CommandConfig struct {
	// Command is the service argv prefix, e.g.
	// {"node", "../lsp.js", "COMPLETIONS"}. The grammar id, prelude,
	// new-token and preceding-text arguments are appended per request.
	Command []string
	// PreludePath is passed to the service as its --prelude argument.
	PreludePath string
	// Delimiter separates diagnostics from the grammar payload.
	// Defaults to DefaultDelimiter.
	Delimiter string
	// Timeout bounds one invocation. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Fixups are applied in order to the extracted payload. Defaults to
	// DefaultFixups.
	Fixups []Fixup
}

// CommandRefresher invokes the completion service as a blocking subprocess
// with a bounded wait.
type CommandRefresher struct {
	cfg    CommandConfig
	logger *zap.Logger
}

// NewCommandRefresher validates the config and applies defaults.
func NewCommandRefresher(cfg CommandConfig, logger *zap.Logger) (*CommandRefresher, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: no command configured", ErrService)
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = DefaultDelimiter
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Fixups == nil {
		cfg.Fixups = DefaultFixups
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandRefresher{cfg: cfg, logger: logger}, nil
}

// Refresh runs the service and extracts the normalized grammar payload.
// A missing delimiter yields an empty GrammarText, which downstream grammar
// compilation treats as a parse failure.
func (r *CommandRefresher) Refresh(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := append([]string{}, r.cfg.Command[1:]...)
	args = append(args, req.GrammarID)
	if r.cfg.PreludePath != "" {
		args = append(args, "--prelude", r.cfg.PreludePath)
	}
	args = append(args, "--debug", "--new-token", req.NewTokenText, req.PrecedingText)

	cmd := exec.CommandContext(ctx, r.cfg.Command[0], args...)
	out, err := cmd.Output()
	if err != nil {
		return Result{RawOutput: string(out)}, fmt.Errorf("%w: invoking %s: %v", ErrService, r.cfg.Command[0], err)
	}

	raw := string(out)
	payload := ExtractAfterDelimiter(raw, r.cfg.Delimiter)
	return Result{
		GrammarText: ApplyFixups(payload, r.cfg.Fixups),
		RawOutput:   raw,
	}, nil
}

// ExtractAfterDelimiter returns the text following the first occurrence of
// delim, with leading whitespace trimmed. Returns "" when delim is absent.
func ExtractAfterDelimiter(s, delim string) string {
	pos := strings.Index(s, delim)
	if pos < 0 {
		return ""
	}
	return strings.TrimLeft(s[pos+len(delim):], " \n\r\t\f\v")
}
