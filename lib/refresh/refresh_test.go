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
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExtractAfterDelimiter(t *testing.T) {
	out := "debug noise\nLSP: Grammar:\n  \nroot ::= \"a\"\n"
	assert.Equal(t, "root ::= \"a\"\n", ExtractAfterDelimiter(out, DefaultDelimiter))

	assert.Equal(t, "", ExtractAfterDelimiter("no payload here", DefaultDelimiter))
	assert.Equal(t, "", ExtractAfterDelimiter("LSP: Grammar:\n   \n\t ", DefaultDelimiter))
}

func TestFixupWhitespaceOptional(t *testing.T) {
	in := `whitespace ::= [ \n]+`
	out := ApplyFixups(in, DefaultFixups)
	assert.Equal(t, `whitespace ::= [ \n]*`, out)

	// Other rules with the same class are left alone.
	in = `other ::= [ \n]+`
	assert.Equal(t, in, ApplyFixups(in, DefaultFixups))
}

func TestFixupWhitespaceRuleRef(t *testing.T) {
	in := `sep ::= "whitespace"`
	assert.Equal(t, `sep ::= whitespace`, ApplyFixups(in, DefaultFixups))
}

func TestFixupUnderscoreRuleName(t *testing.T) {
	in := "root ::= new_tokens\nnew_tokens ::= \"x\""
	out := ApplyFixups(in, DefaultFixups)
	assert.NotContains(t, out, "new_tokens")
	assert.Contains(t, out, "new-tokens")
}

func TestFixupWhitespacePrefix(t *testing.T) {
	in := `new-tokens ::= whitespace | "a" | "b"`
	out := ApplyFixups(in, DefaultFixups)
	assert.Equal(t, `new-tokens ::= whitespace ("a" | "b")`, out)
}

func TestFixupsCompose(t *testing.T) {
	in := "whitespace ::= [ \\n]+\n" +
		"root ::= new_tokens\n" +
		"new_tokens ::= whitespace | ident\n" +
		"ident ::= \"whitespace\""
	out := ApplyFixups(in, DefaultFixups)

	assert.Contains(t, out, "whitespace ::= [ \\n]*")
	assert.Contains(t, out, "new-tokens ::= whitespace (ident)")
	assert.Contains(t, out, "ident ::= whitespace")
	assert.NotContains(t, out, "new_tokens")
}

func TestNewCommandRefresherValidation(t *testing.T) {
	_, err := NewCommandRefresher(CommandConfig{}, nil)
	assert.ErrorIs(t, err, ErrService)

	r, err := NewCommandRefresher(CommandConfig{Command: []string{"node", "lsp.js"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultDelimiter, r.cfg.Delimiter)
	assert.Equal(t, DefaultTimeout, r.cfg.Timeout)
	assert.Len(t, r.cfg.Fixups, len(DefaultFixups))
}

func TestTranscriptAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	tr := NewTranscript(path)

	require.NoError(t, tr.Append("generated so far", "service says hi"))
	require.NoError(t, tr.Append("more text", ""))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Equal(t, 2, strings.Count(content, transcriptSeparator))
	assert.Contains(t, content, "generated so far")
	assert.Contains(t, content, "service says hi")
	assert.Contains(t, content, "more text")
}

// countingRefresher counts Refresh invocations.
type countingRefresher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (c *countingRefresher) Refresh(ctx context.Context, req Request) (Result, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return Result{}, c.err
	}
	return Result{GrammarText: "root ::= " + req.NewTokenText}, nil
}

func TestCachedRefresherDeduplicates(t *testing.T) {
	inner := &countingRefresher{}
	cached := NewCachedRefresher(inner, time.Minute, zaptest.NewLogger(t))
	defer cached.Close()

	req := Request{GrammarID: "g", PrecedingText: "abc", NewTokenText: "d"}

	res1, err := cached.Refresh(context.Background(), req)
	require.NoError(t, err)
	res2, err := cached.Refresh(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, res1, res2)
	assert.Equal(t, int32(1), inner.calls.Load())

	// A different position misses.
	req.NewTokenText = "e"
	_, err = cached.Refresh(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())

	stats := cached.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestCachedRefresherSingleflight(t *testing.T) {
	inner := &countingRefresher{delay: 50 * time.Millisecond}
	cached := NewCachedRefresher(inner, time.Minute, zaptest.NewLogger(t))
	defer cached.Close()

	req := Request{GrammarID: "g", PrecedingText: "same", NewTokenText: "x"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cached.Refresh(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestCachedRefresherNeverCachesErrors(t *testing.T) {
	inner := &countingRefresher{err: ErrService}
	cached := NewCachedRefresher(inner, time.Minute, zaptest.NewLogger(t))
	defer cached.Close()

	req := Request{GrammarID: "g"}

	_, err := cached.Refresh(context.Background(), req)
	require.Error(t, err)
	_, err = cached.Refresh(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, int32(2), inner.calls.Load())
}
