package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cwbudde/simcalib/internal/recorder"
)

// Config configures a CachingEvaluator.
type Config struct {
	// Parallelism bounds concurrent backend runs. Values below 1 mean 1.
	Parallelism int
	// RateLimit caps backend submissions per second. 0 disables the limit.
	RateLimit float64
	// Fixed parameters are passed to every backend run.
	Fixed map[string]any
	// Transformer maps optimization space vectors when Evaluate is called
	// with transform=true. Nil means identity.
	Transformer Transformer
}

// CachingEvaluator dispatches batches to a Backend with bounded
// concurrency, serving repeated vectors from its cache.
type CachingEvaluator struct {
	backend     Backend
	transformer Transformer
	fixed       map[string]any
	parallelism int
	limiter     *rate.Limiter
	cache       *Cache

	mu     sync.Mutex
	stats  Stats
	nextID int
	rec    recorder.Recorder
}

// New creates a CachingEvaluator for backend.
func New(backend Backend, cfg Config) *CachingEvaluator {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	e := &CachingEvaluator{
		backend:     backend,
		transformer: cfg.Transformer,
		fixed:       maps.Clone(cfg.Fixed),
		parallelism: cfg.Parallelism,
		cache:       NewCache(),
		rec:         recorder.Discard,
	}
	if e.fixed == nil {
		e.fixed = map[string]any{}
	}
	if cfg.RateLimit > 0 {
		burst := max(1, int(cfg.RateLimit))
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return e
}

// Parallelism implements Evaluator.
func (e *CachingEvaluator) Parallelism() int {
	return e.parallelism
}

// FixedParameters implements Evaluator.
func (e *CachingEvaluator) FixedParameters() map[string]any {
	return maps.Clone(e.fixed)
}

// SetRecorder implements Evaluator.
func (e *CachingEvaluator) SetRecorder(rec recorder.Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec == nil {
		rec = recorder.Discard
	}
	e.rec = rec
}

// Stats implements Evaluator.
func (e *CachingEvaluator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// CacheLen returns the number of cached measurements.
func (e *CachingEvaluator) CacheLen() int {
	return e.cache.Len()
}

// Reset clears the cache and all counters.
func (e *CachingEvaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Clear()
	e.stats = Stats{}
}

func (e *CachingEvaluator) String() string {
	return fmt.Sprintf("Currently cached evaluations %d\n%s", e.cache.Len(), e.Stats())
}

// Evaluate implements Evaluator. It blocks until every dispatched run of
// the batch has returned.
func (e *CachingEvaluator) Evaluate(ctx context.Context, vectors [][]float64, transform bool, tag string) []Outcome {
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()

	out := make([]Outcome, len(vectors))
	pending := make([]int, 0, len(vectors))
	hits := 0

	for i, v := range vectors {
		p := slices.Clone(v)
		if transform && e.transformer != nil {
			tp, ok := e.transformer.Transform(v)
			if !ok {
				out[i] = Failure(slices.Clone(v), ReasonInfeasible)
				out[i].Tag = tag
				continue
			}
			p = tp
		}

		if cached, ok := e.cache.Get(p); ok {
			cached.Cached = true
			out[i] = cached
			hits++
			rec.Log("Served evaluation " + cached.ID + " from cache!")
			continue
		}

		out[i] = Outcome{Parameters: p, Tag: tag}
		pending = append(pending, i)
	}

	e.mu.Lock()
	for _, i := range pending {
		out[i].ID = strconv.Itoa(e.nextID)
		e.nextID++
	}
	e.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for _, i := range pending {
		g.Go(func() error {
			out[i] = e.run(ctx, out[i])
			return nil
		})
	}
	_ = g.Wait()

	// The whole batch is inserted only after every run has returned.
	failed := 0
	for _, i := range pending {
		if out[i].Failed() {
			failed++
		} else {
			e.cache.Put(out[i])
		}
	}
	// Cache hits and infeasible proposals are audited alongside the runs.
	records := make([]recorder.Evaluation, len(out))
	for i, o := range out {
		records[i] = o.Record()
		records[i].Tag = tag
	}

	e.mu.Lock()
	e.stats.CacheHits += hits
	if len(pending) > 0 {
		e.stats.Total += len(pending)
		e.stats.Serial++
	}
	stats := e.stats
	e.mu.Unlock()

	if len(records) > 0 {
		rec.AddEvaluations(tag, records)
	}
	rec.AddRunMetadata("evaluator_totalcount", stats.Total)
	rec.AddRunMetadata("evaluator_serialcount", stats.Serial)
	rec.AddRunMetadata("evaluator_cachehits", stats.CacheHits)

	slog.Debug("Evaluation batch finished",
		"tag", tag,
		"size", len(vectors),
		"dispatched", len(pending),
		"cache_hits", hits,
		"failed", failed,
	)
	return out
}

// run executes one backend call and converts its result to an Outcome.
func (e *CachingEvaluator) run(ctx context.Context, o Outcome) Outcome {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			o.Kind = KindFailure
			o.Reason = err.Error()
			return o
		}
	}

	start := time.Now()
	m, err := e.backend.Run(ctx, slices.Clone(o.Parameters), maps.Clone(e.fixed))
	o.Runtime = time.Since(start)

	switch {
	case err != nil:
		o.Kind = KindFailure
		o.Reason = err.Error()
	case m == nil:
		o.Kind = KindFailure
		o.Reason = "simulation returned no measurement"
	default:
		if verr := m.Validate(); verr != nil {
			o.Kind = KindFailure
			o.Reason = verr.Error()
			break
		}
		o.Kind = KindSuccess
		o.Measurement = m
	}
	return o
}
