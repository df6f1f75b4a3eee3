package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nikshitha/site-login-automation/config"
	"github.com/nikshitha/site-login-automation/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options tune a single detection.
type Options struct {
	// Label prefixes diagnostic artifact names, typically the site name.
	Label        string
	Deadline     time.Duration
	PollInterval time.Duration
	CheckTimeout time.Duration
	// ErrorBudget is how many consecutive identical probe errors are tolerated
	// before the attempt is classified as a Failure. Zero means the first probe
	// error is fatal.
	ErrorBudget      int
	CaptureOnSuccess bool
}

// OptionsFor builds detector options for a resolved site profile.
func OptionsFor(cfg *config.Config, site *config.SiteProfile) Options {
	return Options{
		Label:            site.Name,
		Deadline:         site.Deadline(),
		PollInterval:     cfg.PollInterval(),
		CheckTimeout:     cfg.CheckTimeout(),
		ErrorBudget:      cfg.Detector.ErrorBudget,
		CaptureOnSuccess: cfg.Diagnostics.CaptureOnSuccess,
	}
}

// Detector classifies the result of a submitted login form.
type Detector struct {
	opts     Options
	capturer *Capturer
	logger   *logger.Logger
}

// New creates a detector. Zero durations fall back to 30s deadline, 250ms polling
// and a 1s per-check window. A zero ErrorBudget is kept as is.
func New(opts Options, capturer *Capturer, log *logger.Logger) *Detector {
	if opts.Deadline <= 0 {
		opts.Deadline = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = time.Second
	}
	return &Detector{
		opts:     opts,
		capturer: capturer,
		logger:   log.WithModule("detector"),
	}
}

// errProbeBudget is returned by a watcher whose error budget ran out.
var errProbeBudget = errors.New("probe error budget exhausted")

type verdict struct {
	kind   Kind
	reason Reason
	name   string
	err    error
}

// Detect races the success predicates against the failure landmarks and the deadline
// and returns exactly one Outcome. All probes have stopped when it returns.
func (d *Detector) Detect(ctx context.Context, page Page, success []Condition, failure []Landmark) Outcome {
	start := time.Now()

	if len(success) == 0 {
		return Outcome{
			Kind:    KindFailure,
			Reason:  ReasonMisconfigured,
			Detail:  "no success predicates supplied",
			Elapsed: time.Since(start),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, d.opts.Deadline)
	defer cancel()

	// Buffered so a probe never blocks on send after the race is decided.
	verdicts := make(chan verdict, len(success)+len(failure))

	// A watcher that gives up on probe errors cancels its siblings through gctx.
	g, gctx := errgroup.WithContext(runCtx)
	for _, c := range success {
		found := verdict{kind: KindSuccess, name: c.Name()}
		g.Go(func() error {
			return d.watch(gctx, page, c, found, verdicts)
		})
	}
	for _, l := range failure {
		reason := l.Reason
		if reason == "" {
			reason = ReasonLoginRejected
		}
		found := verdict{kind: KindFailure, reason: reason, name: l.Name()}
		g.Go(func() error {
			return d.watch(gctx, page, l.Condition, found, verdicts)
		})
	}

	var (
		v       verdict
		decided bool
	)
	select {
	case v = <-verdicts:
		decided = true
	case <-runCtx.Done():
		// A probe may have settled in the same instant.
		select {
		case v = <-verdicts:
			decided = true
		default:
		}
	}
	cancel()
	if err := g.Wait(); err != nil {
		d.logger.WithError(err).Debug("Watcher stopped early")
	}
	elapsed := time.Since(start)

	if !decided {
		if ctx.Err() != nil {
			return d.finish(ctx, page, Outcome{
				Kind:    KindFailure,
				Reason:  ReasonCancelled,
				Detail:  ctx.Err().Error(),
				Elapsed: elapsed,
			})
		}
		return d.finish(ctx, page, Outcome{Kind: KindTimeout, Elapsed: elapsed})
	}

	if v.kind == KindSuccess {
		return d.finish(ctx, page, Outcome{Kind: KindSuccess, Matched: v.name, Elapsed: elapsed})
	}

	detail := v.name + " observed"
	if v.err != nil {
		detail = fmt.Sprintf("%s: %v", v.name, v.err)
	}
	return d.finish(ctx, page, Outcome{
		Kind:    KindFailure,
		Reason:  v.reason,
		Detail:  detail,
		Matched: v.name,
		Elapsed: elapsed,
	})
}

// Fail converts an error raised before detection (navigation, missing form field)
// into a Failure outcome with diagnostics.
func (d *Detector) Fail(ctx context.Context, page Page, reason Reason, err error) Outcome {
	return d.finish(ctx, page, Outcome{Kind: KindFailure, Reason: reason, Detail: err.Error()})
}

// watch polls one condition until it holds, its error budget runs out, or ctx ends.
// It returns an error wrapping errProbeBudget only when the budget runs out.
func (d *Detector) watch(ctx context.Context, page Page, cond Condition, found verdict, out chan<- verdict) error {
	limiter := rate.NewLimiter(rate.Every(d.opts.PollInterval), 1)
	window := d.checkWindow(cond)
	var (
		lastErr string
		repeats int
	)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		checkCtx, cancel := context.WithTimeout(ctx, window)
		ok, err := cond.Check(checkCtx, page)
		cancel()

		if ctx.Err() != nil {
			return nil
		}

		switch {
		case err != nil:
			if err.Error() == lastErr {
				repeats++
			} else {
				lastErr, repeats = err.Error(), 1
			}
			d.logger.WithFields(map[string]interface{}{
				"condition": cond.Name(),
				"repeats":   repeats,
			}).WithError(err).Debug("Probe error")

			if repeats > d.opts.ErrorBudget {
				out <- verdict{kind: KindFailure, reason: ReasonProbeError, name: cond.Name(), err: err}
				return fmt.Errorf("%s: %w: %v", cond.Name(), errProbeBudget, err)
			}
		case ok:
			out <- found
			return nil
		default:
			lastErr, repeats = "", 0
		}
	}
}

// checkWindow bounds one Check call. Conditions that must observe a quiet period
// get that period on top of the configured check timeout.
func (d *Detector) checkWindow(cond Condition) time.Duration {
	if q, ok := cond.(quietCondition); ok {
		return d.opts.CheckTimeout + q.quietPeriod()
	}
	return d.opts.CheckTimeout
}

// finish fills in the final URL and diagnostics. Capture runs on a context detached
// from the caller's cancellation but bounded by the capturer timeout; its errors are
// logged and never change the outcome.
func (d *Detector) finish(ctx context.Context, page Page, out Outcome) Outcome {
	captureCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.captureTimeout())
	defer cancel()

	if out.Kind == KindSuccess {
		if u, err := page.URL(captureCtx); err != nil {
			d.logger.WithError(err).Warn("Could not read final URL")
		} else {
			out.FinalURL = u
		}
	}

	if d.capturer != nil && (out.Kind != KindSuccess || d.opts.CaptureOnSuccess) {
		diag, err := d.capturer.Capture(captureCtx, page, d.opts.Label+"-"+out.Kind.String())
		if err != nil {
			d.logger.WithError(err).Warn("Diagnostics capture incomplete")
		}
		out.Diagnostics = diag
	}

	return out
}

func (d *Detector) captureTimeout() time.Duration {
	if d.capturer == nil {
		return 5 * time.Second
	}
	return d.capturer.Timeout()
}
