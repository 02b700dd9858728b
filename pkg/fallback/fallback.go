// Package fallback implements FallbackExecutor: the scheduling core that
// walks a candidate engine list, skipping rate-limited or unauthenticated
// candidates, and retrying on the next candidate when one reports a
// rate-limit error.
package fallback

import (
	"context"
	"time"

	"codemachine/pkg/agenterrors"
	"codemachine/pkg/authcache"
	"codemachine/pkg/circuit"
	"codemachine/pkg/engine"
	"codemachine/pkg/logx"
	"codemachine/pkg/metrics"
	"codemachine/pkg/ratelimitmgr"
	"codemachine/pkg/rlclassify"
	"codemachine/pkg/telemetry"
)

const defaultMaxAttempts = 3

// Result is what runWithFallback returns on success.
type Result struct {
	engine.RunResult
	EngineUsed         string
	FellBack           bool
	RateLimitedEngines []string
}

// ExhaustedResult is returned when every candidate is unavailable,
// unauthenticated, or rate-limited within the attempt budget.
type ExhaustedResult struct {
	AllEnginesExhausted bool
	SoonestResetEngine  string
	SoonestResetAt      time.Time
	RateLimitedEngines  []string
}

// Executor composes the registry, auth cache, rate-limit manager, circuit
// breaker, metrics recorder, and tracer the loop consults on every
// candidate. circuitMgr, rec, and tracer may all be nil.
type Executor struct {
	registry   *engine.Registry
	authes     *authcache.Cache
	rateMgr    *ratelimitmgr.Manager
	circuitMgr *circuit.Manager
	rec        *metrics.Recorder
	tracer     *telemetry.Tracer
	log        *logx.Logger
}

// New returns an Executor over the given collaborators. circuitMgr, rec,
// and tracer are optional instrumentation and may be nil.
func New(registry *engine.Registry, authes *authcache.Cache, rateMgr *ratelimitmgr.Manager, circuitMgr *circuit.Manager, rec *metrics.Recorder, tracer *telemetry.Tracer) *Executor {
	return &Executor{
		registry: registry, authes: authes, rateMgr: rateMgr,
		circuitMgr: circuitMgr, rec: rec, tracer: tracer,
		log: logx.NewLogger("fallback"),
	}
}

func dedupChain(primary string, chain []string) []string {
	seen := map[string]bool{primary: true}
	out := []string{primary}
	for _, id := range chain {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// RunWithFallback iterates the candidate list (primary followed by the
// deduplicated fallback chain), bounded by maxAttempts, skipping
// unavailable, circuit-open, or unauthenticated candidates and retrying on
// a rate-limit signal, until one candidate completes or the list is
// exhausted. correlationID/parentSpanID bracket the call with a tracer span
// per candidate invocation; both may be "" if the caller has no tracer.
func (e *Executor) RunWithFallback(ctx context.Context, correlationID, parentSpanID string, primary string, fallbackChain []string, opts engine.RunOptions, maxAttempts int) (*Result, *ExhaustedResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	candidates := dedupChain(primary, fallbackChain)

	var attempted []string
	attempts := 0

	for i := 0; i < len(candidates) && attempts < maxAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		candidate := candidates[i]

		// 1. RateLimitManager availability.
		if e.rateMgr != nil && !e.rateMgr.IsEngineAvailable(candidate) {
			e.log.Info("%s is rate-limited, %.0fs remaining", candidate, e.rateMgr.GetTimeUntilAvailable(candidate))
			continue
		}

		// 2. Circuit breaker availability.
		if e.circuitMgr != nil && !e.circuitMgr.Allow(candidate) {
			e.log.Info("%s circuit breaker is open, skipping", candidate)
			continue
		}

		// 3. Registry lookup.
		module, err := e.registry.GetAsync(candidate)
		if err != nil {
			e.log.Warn("%s not found in registry: %v", candidate, err)
			continue
		}

		// 4. Auth probe.
		authed, err := e.authes.IsAuthenticated(candidate, func(id string) (bool, error) {
			return module.Auth().IsAuthenticated(ctx)
		})
		if err != nil || !authed {
			e.log.Info("%s not authenticated, skipping", candidate)
			continue
		}

		attempts++

		var span *telemetry.AgentSpan
		if e.tracer != nil {
			span = e.tracer.Start(correlationID, parentSpanID, "fallback.invoke."+candidate, map[string]string{"engine_id": candidate})
		}
		start := time.Now()

		// 5. Invoke the adapter.
		result, err := module.Run(ctx, opts)
		if err != nil {
			if rlclassify.IsRateLimit(err) {
				e.markRateLimited(candidate, nil, nil)
				attempted = append(attempted, candidate)
				e.endSpan(span, telemetry.StatusError)
				e.observe(candidate, "rate_limited", start)
				continue
			}
			if e.circuitMgr != nil {
				e.circuitMgr.RecordFailure(candidate)
			}
			e.endSpan(span, telemetry.StatusError)
			e.observe(candidate, "error", start)
			return nil, nil, err
		}

		// 6. Examine the result.
		if result.IsRateLimitError {
			e.markRateLimited(candidate, result.RateLimitResetsAt, result.RetryAfterSeconds)
			attempted = append(attempted, candidate)
			e.endSpan(span, telemetry.StatusOK)
			e.observe(candidate, "rate_limited", start)
			continue
		}

		if e.circuitMgr != nil {
			e.circuitMgr.RecordSuccess(candidate)
		}
		e.endSpan(span, telemetry.StatusOK)
		e.observe(candidate, "success", start)
		if e.rec != nil {
			e.rec.ObserveFallbackDepth(attempts)
		}

		return &Result{
			RunResult:          result,
			EngineUsed:         candidate,
			FellBack:           candidate != primary,
			RateLimitedEngines: attempted,
		}, nil, nil
	}

	if e.rec != nil {
		e.rec.ObserveFallbackDepth(attempts)
	}
	return nil, e.exhausted(attempted), nil
}

func (e *Executor) endSpan(span *telemetry.AgentSpan, status telemetry.Status) {
	if e.tracer != nil && span != nil {
		e.tracer.End(span, status)
	}
}

func (e *Executor) observe(candidate, status string, start time.Time) {
	if e.rec != nil {
		e.rec.ObserveRequest(candidate, status, 0, 0, time.Since(start))
	}
}

func (e *Executor) markRateLimited(candidate string, resetsAt *time.Time, retryAfterSeconds *int) {
	if e.rateMgr == nil {
		return
	}
	if err := e.rateMgr.MarkRateLimited(candidate, resetsAt, retryAfterSeconds); err != nil {
		e.log.Warn("failed to persist rate-limit for %s: %v", candidate, err)
	}
}

func (e *Executor) exhausted(attempted []string) *ExhaustedResult {
	res := &ExhaustedResult{AllEnginesExhausted: true, RateLimitedEngines: attempted}
	if e.rateMgr == nil || len(attempted) == 0 {
		return res
	}
	soonest := attempted[0]
	soonestSecs := e.rateMgr.GetTimeUntilAvailable(soonest)
	for _, id := range attempted[1:] {
		secs := e.rateMgr.GetTimeUntilAvailable(id)
		if secs < soonestSecs {
			soonest, soonestSecs = id, secs
		}
	}
	res.SoonestResetEngine = soonest
	res.SoonestResetAt = time.Now().Add(time.Duration(soonestSecs) * time.Second)
	return res
}

// ErrAllEnginesExhausted is a sentinel error form of ExhaustedResult for
// callers that prefer error-based control flow.
var ErrAllEnginesExhausted = agenterrors.New(agenterrors.KindEngineRateLimited, "all engines exhausted")
