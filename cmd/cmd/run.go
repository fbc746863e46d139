// Copyright 2026 The llamadyn Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	json "github.com/antflydb/antfly-go/libaf/json"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AlienKevin/llamadyn"
	"github.com/AlienKevin/llamadyn/lib/refresh"
	"github.com/AlienKevin/llamadyn/lib/sampling"
	"github.com/AlienKevin/llamadyn/lib/tokenizer"
)

var (
	listenAddr  string
	healthPort  int
	numSessions int
	numSteps    int

	grammarFile    string
	dynamicGrammar string
	refreshCommand []string
	preludePath    string
	preludeTokens  []int
	transcriptPath string
	tracePath      string

	encodingName string
	vocabSize    int
	scoresPath   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run demo sampling sessions",
	Long: `Drive one or more sampling sessions over a deterministic demo score
source and serve health, session and metrics endpoints while they run.

The demo scorer stands in for a model: it produces a reproducible
pseudo-random score distribution per position, which exercises the full
selection flow including penalties, grammar constraints and stop
heuristics.`,
	RunE: runSessions,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&listenAddr, "listen", ":8311", "metrics/session server address")
	runCmd.Flags().IntVar(&healthPort, "health-port", 4200, "health server port")
	runCmd.Flags().IntVar(&numSessions, "sessions", 1, "number of concurrent sessions")
	runCmd.Flags().IntVar(&numSteps, "steps", 256, "maximum tokens per session")

	runCmd.Flags().StringVar(&grammarFile, "grammar-file", "", "static grammar file constraining every session")
	runCmd.Flags().StringVar(&dynamicGrammar, "dynamic-grammar", "", "grammar id for per-step refresh from the completion service")
	runCmd.Flags().StringSliceVar(&refreshCommand, "refresh-cmd", []string{"node", "../lsp.js", "COMPLETIONS"}, "completion service argv prefix")
	runCmd.Flags().StringVar(&preludePath, "prelude-file", "", "prelude file path passed to the completion service")
	runCmd.Flags().IntSliceVar(&preludeTokens, "prelude-tokens", nil, "token ids fed as the prompt prelude")
	runCmd.Flags().StringVar(&transcriptPath, "transcript", "", "per-step transcript file (disabled when empty)")
	runCmd.Flags().StringVar(&tracePath, "trace", "", "JSON-lines step trace file (disabled when empty)")

	runCmd.Flags().StringVar(&encodingName, "encoding", "", "BPE encoding name (empty uses the built-in demo vocabulary)")
	runCmd.Flags().IntVar(&vocabSize, "vocab-size", 100277, "vocabulary size when --encoding is set")
	runCmd.Flags().StringVar(&scoresPath, "scores-file", "", "JSON-lines logits file, one score vector per position (empty uses the demo scorer)")

	runCmd.Flags().Uint64("seed", 0, "base RNG seed (sessions derive their own)")
	runCmd.Flags().Float32("temp", 0.8, "sampling temperature")
	runCmd.Flags().Int("top-k", 40, "top-k cutoff (0 disables)")
	runCmd.Flags().Float32("top-p", 0.95, "nucleus cutoff")
	runCmd.Flags().Float32("min-p", 0.05, "min-p cutoff")
	runCmd.Flags().Float32("tfs", 1.0, "tail-free z")
	runCmd.Flags().Float32("typical", 1.0, "locally typical p")
	runCmd.Flags().Int("repeat-last-n", 64, "penalty window (negative = full ring)")
	runCmd.Flags().Float32("repeat-penalty", 1.1, "repetition penalty")
	runCmd.Flags().Float32("frequency-penalty", 0.0, "frequency penalty")
	runCmd.Flags().Float32("presence-penalty", 0.0, "presence penalty")
	runCmd.Flags().Int("mirostat", 0, "mirostat mode (0 off, 1 v1, 2 v2)")
	runCmd.Flags().String("order", "kfypmt", "transform order codes")
	runCmd.Flags().Duration("keep-alive", 10*time.Minute, "idle session keep-alive")

	mustBindPFlag("seed", runCmd.Flags().Lookup("seed"))
	mustBindPFlag("temp", runCmd.Flags().Lookup("temp"))
	mustBindPFlag("top_k", runCmd.Flags().Lookup("top-k"))
	mustBindPFlag("top_p", runCmd.Flags().Lookup("top-p"))
	mustBindPFlag("min_p", runCmd.Flags().Lookup("min-p"))
	mustBindPFlag("tfs", runCmd.Flags().Lookup("tfs"))
	mustBindPFlag("typical", runCmd.Flags().Lookup("typical"))
	mustBindPFlag("repeat_last_n", runCmd.Flags().Lookup("repeat-last-n"))
	mustBindPFlag("repeat_penalty", runCmd.Flags().Lookup("repeat-penalty"))
	mustBindPFlag("frequency_penalty", runCmd.Flags().Lookup("frequency-penalty"))
	mustBindPFlag("presence_penalty", runCmd.Flags().Lookup("presence-penalty"))
	mustBindPFlag("mirostat", runCmd.Flags().Lookup("mirostat"))
	mustBindPFlag("order", runCmd.Flags().Lookup("order"))
	mustBindPFlag("keep_alive", runCmd.Flags().Lookup("keep-alive"))
}

func paramsFromViper() sampling.Params {
	p := sampling.DefaultParams()
	p.Seed = viper.GetUint64("seed")
	p.Temperature = float32(viper.GetFloat64("temp"))
	p.TopK = viper.GetInt("top_k")
	p.TopP = float32(viper.GetFloat64("top_p"))
	p.MinP = float32(viper.GetFloat64("min_p"))
	p.TailFreeZ = float32(viper.GetFloat64("tfs"))
	p.TypicalP = float32(viper.GetFloat64("typical"))
	p.PenaltyLastN = viper.GetInt("repeat_last_n")
	p.PenaltyRepeat = float32(viper.GetFloat64("repeat_penalty"))
	p.PenaltyFreq = float32(viper.GetFloat64("frequency_penalty"))
	p.PenaltyPresent = float32(viper.GetFloat64("presence_penalty"))
	p.Mirostat = viper.GetInt("mirostat")
	p.Order = viper.GetString("order")
	return p
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	params := paramsFromViper()
	if grammarFile != "" {
		text, err := os.ReadFile(grammarFile)
		if err != nil {
			return fmt.Errorf("reading grammar file: %w", err)
		}
		params.Grammar = string(text)
	}
	params.DynamicGrammar = dynamicGrammar

	dec, err := buildDecoder()
	if err != nil {
		return err
	}
	scorer, err := buildScorer(params.Seed, dec.VocabSize())
	if err != nil {
		return err
	}

	opts, closers, err := buildSamplerOptions(logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, close := range closers {
			close()
		}
	}()

	registry := llamadyn.NewSessionRegistry(llamadyn.RegistryConfig{
		KeepAlive: viper.GetDuration("keep_alive"),
	}, logger)
	defer registry.Close()

	// Health server plus metrics/session endpoints.
	ready := &atomic.Bool{}
	healthserver.Start(logger, healthPort, ready.Load)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", registry.HandleHealthz)
	mux.HandleFunc("GET /sessionz", registry.HandleSessionz)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Session server starting", zap.String("address", listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()
	ready.Store(true)

	trace, err := newStepTrace(tracePath)
	if err != nil {
		return err
	}
	defer trace.Close()

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < numSessions; i++ {
		id := fmt.Sprintf("session-%d", i)
		seed := params.Seed + uint64(i)

		sessParams := params
		sessParams.Seed = seed

		sess, err := llamadyn.NewSession(id, sessParams, scorer, dec, logger, opts...)
		if err != nil {
			return fmt.Errorf("creating %s: %w", id, err)
		}
		if err := registry.Register(sess); err != nil {
			return err
		}
		if len(preludeTokens) > 0 {
			if err := sess.Prime(preludeTokens); err != nil {
				return fmt.Errorf("priming %s: %w", id, err)
			}
		}

		group.Go(func() error {
			return driveSession(groupCtx, sess, dec, trace, logger)
		})
	}

	err = group.Wait()

	for _, id := range registry.List() {
		if sess, gerr := registry.Get(id); gerr == nil {
			if text, terr := sess.Generated(); terr == nil {
				fmt.Printf("=== %s ===\n%s\n", id, text)
			}
		}
	}

	// Graceful shutdown of the session server.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("Graceful shutdown failed, forcing close", zap.Error(serr))
		_ = srv.Close()
	}

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// buildDecoder returns a BPE decoder when an encoding is configured, falling
// back to the built-in demo vocabulary.
func buildDecoder() (tokenizer.TokenDecoder, error) {
	if encodingName != "" {
		return tokenizer.NewBPEDecoder(encodingName, vocabSize)
	}
	return tokenizer.NewStaticDecoder(demoVocabulary(), 0), nil
}

// buildSamplerOptions wires the transcript and the refresh service when
// configured. The returned closers release caches and must run at exit.
func buildSamplerOptions(logger *zap.Logger) ([]sampling.Option, []func(), error) {
	var opts []sampling.Option
	var closers []func()

	if transcriptPath != "" {
		opts = append(opts, sampling.WithTranscript(refresh.NewTranscript(transcriptPath)))
	}

	if dynamicGrammar != "" {
		cr, err := refresh.NewCommandRefresher(refresh.CommandConfig{
			Command:     refreshCommand,
			PreludePath: preludePath,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		cached := refresh.NewCachedRefresher(cr, 0, logger)
		closers = append(closers, cached.Close)
		opts = append(opts, sampling.WithRefresher(llamadyn.InstrumentRefresher(cached)))
	}
	return opts, closers, nil
}

// driveSession runs the sample/accept loop until a stop heuristic fires, the
// step budget runs out or the context is canceled.
func driveSession(ctx context.Context, sess *llamadyn.Session, dec tokenizer.TokenDecoder, trace *stepTrace, logger *zap.Logger) error {
	for step := 0; step < numSteps; step++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out, err := sess.Step(ctx, step)
		if err != nil {
			return fmt.Errorf("%s step %d: %w", sess.ID(), step, err)
		}
		if err := trace.Record(sess.ID(), step, out, dec); err != nil {
			logger.Warn("Trace write failed", zap.Error(err))
		}
		if out.Stopped {
			return nil
		}
		sess.Accept(out.Token)

		if dec.IsEOG(out.Token) {
			logger.Info("End of generation", zap.String("session", sess.ID()))
			return nil
		}
	}
	return nil
}

// buildScorer returns the scripted file scorer when one is configured,
// falling back to the deterministic demo scorer.
func buildScorer(seed uint64, vocab int) (sampling.ScoreSource, error) {
	if scoresPath != "" {
		return newFileScorer(scoresPath, vocab)
	}
	return newDemoScorer(seed, vocab), nil
}

// fileScorer replays score vectors from a JSON-lines file, one vector per
// sequence position. Positions past the file's end repeat the last vector.
type fileScorer struct {
	rows  [][]float32
	vocab int
}

func newFileScorer(path string, vocab int) (*fileScorer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening scores file: %w", err)
	}
	defer f.Close()

	var rows [][]float32
	dec := json.NewDecoder(f)
	for {
		var row []float32
		if err := dec.Decode(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("scores file line %d: %w", len(rows)+1, err)
		}
		if len(row) != vocab {
			return nil, fmt.Errorf("scores file line %d: %d scores, vocabulary is %d", len(rows)+1, len(row), vocab)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("scores file %s is empty", path)
	}
	return &fileScorer{rows: rows, vocab: vocab}, nil
}

func (s *fileScorer) Scores(idx int) []float32 {
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.rows) {
		idx = len(s.rows) - 1
	}
	return s.rows[idx]
}

func (s *fileScorer) VocabSize() int { return s.vocab }

// demoScorer produces a reproducible pseudo-random score distribution per
// position, standing in for a model.
type demoScorer struct {
	seed  uint64
	vocab int
}

func newDemoScorer(seed uint64, vocab int) *demoScorer {
	return &demoScorer{seed: seed, vocab: vocab}
}

func (s *demoScorer) Scores(idx int) []float32 {
	rng := rand.New(rand.NewPCG(s.seed, uint64(idx)+1))
	out := make([]float32, s.vocab)
	for i := range out {
		out[i] = rng.Float32()*8 - 4
	}
	return out
}

func (s *demoScorer) VocabSize() int { return s.vocab }

// demoVocabulary is a small code-flavored piece list for grammar demos.
func demoVocabulary() []string {
	return []string{
		"<eog>", "func", " main", "(", ")", " {", "}", "\n", " ",
		"return", " x", " y", " z", " :=", " =", " +", " -", " *",
		"0", "1", "2", "3", "4", "5", "6", "7", "8", "9",
		"if", "for", "var", "int", "string", "bool", "true", "false",
		"\"", "a", "b", "c", ",", ";", "in",
	}
}

// stepTrace writes one JSON line per sampling step.
type stepTrace struct {
	mu  sync.Mutex
	f   *os.File
	enc json.Encoder
}

type traceEntry struct {
	Session string `json:"session"`
	Step    int    `json:"step"`
	Token   int    `json:"token"`
	Piece   string `json:"piece,omitempty"`
	Stopped bool   `json:"stopped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func newStepTrace(path string) (*stepTrace, error) {
	if path == "" {
		return &stepTrace{}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	return &stepTrace{f: f, enc: json.NewEncoder(f)}, nil
}

func (t *stepTrace) Record(session string, step int, out sampling.StepOutcome, dec tokenizer.TokenDecoder) error {
	if t.f == nil {
		return nil
	}
	entry := traceEntry{
		Session: session,
		Step:    step,
		Token:   out.Token,
		Stopped: out.Stopped,
	}
	if out.Stopped {
		entry.Reason = out.Reason.String()
	} else {
		entry.Piece = dec.Decode(out.Token)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(entry)
}

func (t *stepTrace) Close() {
	if t.f != nil {
		_ = t.f.Close()
	}
}
