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

package llamadyn

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AlienKevin/llamadyn/lib/refresh"
	"github.com/AlienKevin/llamadyn/lib/sampling"
	"github.com/AlienKevin/llamadyn/lib/tokenizer"
)

// fixedScorer returns the same logits at every position.
type fixedScorer struct {
	logits []float32
}

func (s *fixedScorer) Scores(idx int) []float32 { return append([]float32{}, s.logits...) }
func (s *fixedScorer) VocabSize() int           { return len(s.logits) }

func testParams() sampling.Params {
	p := sampling.DefaultParams()
	p.Temperature = 0
	p.Stop = sampling.StopPolicy{}
	return p
}

func newTestSession(t *testing.T, id string) *Session {
	t.Helper()
	scorer := &fixedScorer{logits: []float32{0.1, 5.0, 0.2}}
	dec := tokenizer.NewStaticDecoder([]string{"a", "b", "c"})
	sess, err := NewSession(id, testParams(), scorer, dec, zaptest.NewLogger(t))
	require.NoError(t, err)
	return sess
}

func TestSessionStepAndAccept(t *testing.T) {
	sess := newTestSession(t, "s1")
	defer sess.Close()

	require.NoError(t, sess.Prime([]int{0, 2}))
	assert.Equal(t, 0, sess.GeneratedTokens())

	out, err := sess.Step(context.Background(), 0)
	require.NoError(t, err)
	require.False(t, out.Stopped)
	assert.Equal(t, 1, out.Token)
	sess.Accept(out.Token)

	text, err := sess.Generated()
	require.NoError(t, err)
	assert.Equal(t, "b", text)
	assert.Equal(t, 1, sess.GeneratedTokens())
}

func TestSessionSnapshot(t *testing.T) {
	sess := newTestSession(t, "snap")
	defer sess.Close()

	require.NoError(t, sess.Prime([]int{0}))
	sess.Accept(2)

	snap := sess.Snapshot(true)
	assert.Equal(t, "snap", snap.ID)
	assert.Equal(t, 2, snap.HistoryTokens)
	assert.Equal(t, 1, snap.PreludeTokens)
	assert.Equal(t, 1, snap.GeneratedTokens)
	assert.Equal(t, "c", snap.Generated)
	assert.False(t, snap.GrammarActive)

	data, err := sess.MarshalSnapshot(false)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "snap", decoded.ID)
	assert.Empty(t, decoded.Generated)
}

func TestSessionFork(t *testing.T) {
	sess := newTestSession(t, "parent")
	defer sess.Close()

	sess.Accept(0)
	fork, err := sess.Fork("child", 7)
	require.NoError(t, err)
	defer fork.Close()

	sess.Accept(1)

	assert.Equal(t, 2, sess.Snapshot(false).HistoryTokens)
	assert.Equal(t, 1, fork.Snapshot(false).HistoryTokens)
	assert.Equal(t, "child", fork.ID())
}

func TestSessionReset(t *testing.T) {
	sess := newTestSession(t, "r")
	defer sess.Close()

	require.NoError(t, sess.Prime([]int{0, 1}))
	sess.Accept(2)
	require.NoError(t, sess.Reset())

	snap := sess.Snapshot(false)
	assert.Equal(t, 0, snap.HistoryTokens)
	assert.Equal(t, 0, snap.PreludeTokens)
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewSessionRegistry(RegistryConfig{KeepAlive: time.Minute}, zaptest.NewLogger(t))
	defer reg.Close()

	sess := newTestSession(t, "s1")
	require.NoError(t, reg.Register(sess))
	assert.Error(t, reg.Register(sess))

	got, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = reg.Get("missing")
	assert.Error(t, err)

	acquired, err := reg.Acquire("s1")
	require.NoError(t, err)
	assert.Same(t, sess, acquired)
	reg.Release("s1")

	assert.Equal(t, []string{"s1"}, reg.List())
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, reg.Remove("s1"))
	assert.Equal(t, 0, reg.Len())
	assert.Error(t, reg.Remove("s1"))
}

func TestHealthEndpoints(t *testing.T) {
	reg := NewSessionRegistry(RegistryConfig{}, zaptest.NewLogger(t))
	defer reg.Close()

	sess := newTestSession(t, "web")
	require.NoError(t, reg.Register(sess))
	sess.Accept(1)

	rec := httptest.NewRecorder()
	reg.HandleHealthz(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)

	rec = httptest.NewRecorder()
	reg.HandleSessionz(rec, httptest.NewRequest("GET", "/sessionz?text=true", nil))
	assert.Equal(t, 200, rec.Code)
	var sessions SessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Equal(t, 1, sessions.Count)
	assert.Equal(t, "web", sessions.Sessions[0].ID)
	assert.Equal(t, "b", sessions.Sessions[0].Generated)
}

// staticRefresher always hands back the same grammar.
type staticRefresher struct{}

func (staticRefresher) Refresh(ctx context.Context, req refresh.Request) (refresh.Result, error) {
	return refresh.Result{GrammarText: `root ::= "x"`}, nil
}

func TestInstrumentedRefresherPassthrough(t *testing.T) {
	ir := InstrumentRefresher(staticRefresher{})

	res, err := ir.Refresh(context.Background(), refresh.Request{GrammarID: "g"})
	require.NoError(t, err)
	assert.Equal(t, `root ::= "x"`, res.GrammarText)
}
