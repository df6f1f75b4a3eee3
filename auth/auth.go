// Package auth drives a site's login form and classifies the result.
// A site is described by a config.SiteProfile; one Driver handles every site.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nikshitha/site-login-automation/config"
	"github.com/nikshitha/site-login-automation/detector"
	"github.com/nikshitha/site-login-automation/logger"
	"github.com/nikshitha/site-login-automation/storage"
)

// Session is the page the driver interacts with.
type Session interface {
	detector.Page
	Navigate(ctx context.Context, url string) (int, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
}

// Journal records finished attempts.
type Journal interface {
	RecordAttempt(ctx context.Context, a *storage.Attempt) error
}

// StepError reports a form step that could not be completed.
type StepError struct {
	Index    int
	Step     config.FormStep
	NotFound bool
	Err      error
}

func (e *StepError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("step %d: %q not visible: %v", e.Index, e.Step.Selector, e.Err)
	}
	return fmt.Sprintf("step %d: %s %q: %v", e.Index, e.Step.Action, e.Step.Selector, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Driver logs into one site with one set of credentials.
type Driver struct {
	site     *config.SiteProfile
	creds    config.Credentials
	session  Session
	detector *detector.Detector
	journal  Journal
	logger   *logger.Logger
}

// NewDriver creates a driver. journal may be nil.
func NewDriver(site *config.SiteProfile, creds config.Credentials, session Session, det *detector.Detector, journal Journal, log *logger.Logger) *Driver {
	return &Driver{
		site:     site,
		creds:    creds,
		session:  session,
		detector: det,
		journal:  journal,
		logger:   log.WithModule("auth").WithSite(site.Name),
	}
}

// Login performs one attempt and returns its outcome. attempt numbers the try
// within a run and is only used for logging and the journal.
func (d *Driver) Login(ctx context.Context, attempt int) detector.Outcome {
	start := time.Now()
	log := d.logger.WithField("attempt", attempt)
	log.WithField("identifier", d.creds.Identifier).Info("Starting login")

	out := d.login(ctx, log)
	if out.Elapsed == 0 {
		out.Elapsed = time.Since(start)
	}

	if out.Reason == detector.ReasonChallenge {
		log.SecurityEvent("challenge", out.Detail)
	}
	log.LoginOutcome(out.Kind.String(), string(out.Reason), out.FinalURL, out.Elapsed)

	d.record(ctx, attempt, start, out)
	return out
}

func (d *Driver) login(ctx context.Context, log *logger.Logger) detector.Outcome {
	success, err := BuildConditions(d.site.Success)
	if err != nil {
		return misconfigured(err)
	}
	failure, err := BuildLandmarks(d.site.Failure)
	if err != nil {
		return misconfigured(err)
	}
	if src, ok := d.session.(detector.StatusSource); ok && d.site.FailOnHTTPError {
		failure = append(failure, detector.Landmark{
			Condition: detector.StatusAtLeast(src, 400),
			Reason:    detector.ReasonNavigation,
		})
	}

	log.WithField("url", d.site.LoginURL).Debug("Navigating to login page")
	navCtx, cancel := context.WithTimeout(ctx, d.site.NavigationTimeout())
	status, err := d.session.Navigate(navCtx, d.site.LoginURL)
	cancel()
	if err != nil {
		return d.fail(ctx, detector.ReasonNavigation, err)
	}
	if d.site.FailOnHTTPError && status >= 400 {
		return d.fail(ctx, detector.ReasonNavigation, fmt.Errorf("login page answered HTTP %d", status))
	}

	for i, step := range d.site.Steps {
		if err := d.perform(ctx, log, i, step); err != nil {
			reason := detector.ReasonElementNotFound
			var stepErr *StepError
			if errors.As(err, &stepErr) && !stepErr.NotFound {
				reason = detector.ReasonProbeError
			}
			return d.fail(ctx, reason, err)
		}
	}

	log.Debug("Form submitted, waiting for login to complete")
	return d.detector.Detect(ctx, d.session, success, failure)
}

// perform waits for the step's element and then acts on it.
func (d *Driver) perform(ctx context.Context, log *logger.Logger, i int, step config.FormStep) error {
	waitCtx, cancel := context.WithTimeout(ctx, step.Timeout())
	err := d.session.WaitVisible(waitCtx, step.Selector)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StepError{Index: i, Step: step, NotFound: true, Err: err}
	}

	entry := log.WithFields(map[string]interface{}{
		"step":     i,
		"action":   step.Action,
		"selector": step.Selector,
	})

	switch step.Action {
	case config.ActionFill:
		entry.WithField("value", d.describe(step.Value)).Debug("Filling field")
		err = d.session.Fill(ctx, step.Selector, d.resolve(step.Value))
	case config.ActionClick:
		entry.Debug("Clicking")
		err = d.session.Click(ctx, step.Selector)
	case config.ActionWait:
		entry.Debug("Element visible")
	default:
		err = fmt.Errorf("unknown action %q", step.Action)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StepError{Index: i, Step: step, Err: err}
	}

	if step.WaitIdleMs > 0 {
		idleCtx, cancel := context.WithTimeout(ctx, step.Timeout())
		if err := d.session.WaitIdle(idleCtx, time.Duration(step.WaitIdleMs)*time.Millisecond); err != nil {
			entry.WithError(err).Debug("Network did not settle after step")
		}
		cancel()
	}
	return ctx.Err()
}

func (d *Driver) resolve(value string) string {
	switch value {
	case config.ValueIdentifier:
		return d.creds.Identifier
	case config.ValueSecret:
		return d.creds.Secret
	default:
		return value
	}
}

// describe names a fill value for logs without revealing the secret.
func (d *Driver) describe(value string) string {
	switch value {
	case config.ValueIdentifier:
		return d.creds.Identifier
	case config.ValueSecret:
		return "[redacted]"
	default:
		return value
	}
}

// fail turns a pre-detection error into an outcome; caller cancellation wins.
func (d *Driver) fail(ctx context.Context, reason detector.Reason, err error) detector.Outcome {
	if ctx.Err() != nil {
		return d.detector.Fail(ctx, d.session, detector.ReasonCancelled, ctx.Err())
	}
	return d.detector.Fail(ctx, d.session, reason, err)
}

func misconfigured(err error) detector.Outcome {
	return detector.Outcome{Kind: detector.KindFailure, Reason: detector.ReasonMisconfigured, Detail: err.Error()}
}

// record stores the attempt; journal errors are logged and otherwise ignored.
func (d *Driver) record(ctx context.Context, attempt int, start time.Time, out detector.Outcome) {
	if d.journal == nil {
		return
	}

	a := &storage.Attempt{
		Site:      d.site.Name,
		Attempt:   attempt,
		Outcome:   out.Kind.String(),
		Reason:    string(out.Reason),
		Detail:    out.Detail,
		FinalURL:  out.FinalURL,
		Matched:   out.Matched,
		Elapsed:   out.Elapsed,
		StartedAt: start,
	}
	if out.Diagnostics != nil {
		a.ScreenshotPath = out.Diagnostics.ScreenshotPath
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.journal.RecordAttempt(recCtx, a); err != nil {
		d.logger.WithError(err).Warn("Failed to record attempt")
	}
}
