package auth

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nikshitha/site-login-automation/config"
	"github.com/nikshitha/site-login-automation/detector"
	"github.com/nikshitha/site-login-automation/logger"
	"github.com/nikshitha/site-login-automation/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSession is an in-memory login page. Clicking a selector runs its hook.
type fakeSession struct {
	mu      sync.Mutex
	url     string
	visible map[string]bool
	navErr  error
	status  int
	fills   map[string]string
	clicks  []string
	onClick map[string]func(*fakeSession)
}

func newFakeSession(selectors ...string) *fakeSession {
	s := &fakeSession{
		url:     "about:blank",
		visible: make(map[string]bool),
		status:  200,
		fills:   make(map[string]string),
		onClick: make(map[string]func(*fakeSession)),
	}
	for _, sel := range selectors {
		s.visible[sel] = true
	}
	return s
}

func (s *fakeSession) set(f func(*fakeSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

func (s *fakeSession) poll(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		ok := done()
		s.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *fakeSession) Navigate(ctx context.Context, url string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.navErr != nil {
		return 0, s.navErr
	}
	s.url = url
	return s.status, nil
}

func (s *fakeSession) Fill(ctx context.Context, selector, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[selector] = value
	return nil
}

func (s *fakeSession) Click(ctx context.Context, selector string) error {
	s.mu.Lock()
	s.clicks = append(s.clicks, selector)
	hook := s.onClick[selector]
	s.mu.Unlock()
	if hook != nil {
		s.set(hook)
	}
	return nil
}

func (s *fakeSession) WaitURL(ctx context.Context, match func(string) bool) error {
	return s.poll(ctx, func() bool { return match(s.url) })
}

func (s *fakeSession) WaitVisible(ctx context.Context, selector string) error {
	return s.poll(ctx, func() bool { return s.visible[selector] })
}

func (s *fakeSession) WaitIdle(ctx context.Context, idle time.Duration) error { return nil }

func (s *fakeSession) URL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url, nil
}

func (s *fakeSession) Content(ctx context.Context) (string, error) {
	return "<html></html>", nil
}

func (s *fakeSession) Screenshot(ctx context.Context, path string) error {
	return os.WriteFile(path, []byte("png"), 0644)
}

func (s *fakeSession) LastDocumentStatus() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

type memJournal struct {
	mu       sync.Mutex
	attempts []*storage.Attempt
	err      error
}

func (j *memJournal) RecordAttempt(ctx context.Context, a *storage.Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts = append(j.attempts, a)
	return j.err
}

func testSite() *config.SiteProfile {
	return &config.SiteProfile{
		Name:            "example",
		LoginURL:        "https://example.com/login",
		FailOnHTTPError: true,
		Steps: []config.FormStep{
			{Action: config.ActionFill, Selector: "#user", Value: config.ValueIdentifier, TimeoutSeconds: 1},
			{Action: config.ActionFill, Selector: "#pass", Value: config.ValueSecret, TimeoutSeconds: 1},
			{Action: config.ActionClick, Selector: "#submit", TimeoutSeconds: 1, WaitIdleMs: 10},
		},
		Success: []config.ConditionSpec{{URLContains: "/home"}},
		Failure: []config.ConditionSpec{
			{Element: ".error"},
			{Element: "#captcha", Reason: string(detector.ReasonChallenge)},
		},
	}
}

func newTestDriver(t *testing.T, site *config.SiteProfile, s Session, j Journal, log *logger.Logger) *Driver {
	t.Helper()
	capturer := detector.NewCapturer(config.DiagnosticsConfig{Dir: t.TempDir(), TimeoutSeconds: 1}, log)
	det := detector.New(detector.Options{
		Label:        site.Name,
		Deadline:     300 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		CheckTimeout: 20 * time.Millisecond,
		ErrorBudget:  3,
	}, capturer, log)
	creds := config.Credentials{Identifier: "ada@example.com", Secret: "s3cret-value"}
	return NewDriver(site, creds, s, det, j, log)
}

func TestLoginSuccess(t *testing.T) {
	s := newFakeSession("#user", "#pass", "#submit")
	s.onClick["#submit"] = func(s *fakeSession) { s.url = "https://example.com/home/1" }
	j := &memJournal{}

	out := newTestDriver(t, testSite(), s, j, logger.Discard()).Login(context.Background(), 1)

	require.Equal(t, detector.KindSuccess, out.Kind, out.String())
	assert.Equal(t, "https://example.com/home/1", out.FinalURL)
	assert.Equal(t, "ada@example.com", s.fills["#user"])
	assert.Equal(t, "s3cret-value", s.fills["#pass"])
	assert.Equal(t, []string{"#submit"}, s.clicks)

	require.Len(t, j.attempts, 1)
	assert.Equal(t, "example", j.attempts[0].Site)
	assert.Equal(t, "success", j.attempts[0].Outcome)
	assert.Equal(t, 1, j.attempts[0].Attempt)
}

func TestLoginRejected(t *testing.T) {
	s := newFakeSession("#user", "#pass", "#submit")
	s.onClick["#submit"] = func(s *fakeSession) { s.visible[".error"] = true }
	j := &memJournal{}

	out := newTestDriver(t, testSite(), s, j, logger.Discard()).Login(context.Background(), 2)

	require.Equal(t, detector.KindFailure, out.Kind, out.String())
	assert.Equal(t, detector.ReasonLoginRejected, out.Reason)
	require.NotNil(t, out.Diagnostics)
	assert.FileExists(t, out.Diagnostics.ScreenshotPath)
	require.Len(t, j.attempts, 1)
	assert.Equal(t, out.Diagnostics.ScreenshotPath, j.attempts[0].ScreenshotPath)
}

func TestLoginChallenge(t *testing.T) {
	s := newFakeSession("#user", "#pass", "#submit")
	s.onClick["#submit"] = func(s *fakeSession) { s.visible["#captcha"] = true }

	out := newTestDriver(t, testSite(), s, nil, logger.Discard()).Login(context.Background(), 1)

	assert.Equal(t, detector.ReasonChallenge, out.Reason)
}

func TestLoginTimeout(t *testing.T) {
	s := newFakeSession("#user", "#pass", "#submit")

	out := newTestDriver(t, testSite(), s, nil, logger.Discard()).Login(context.Background(), 1)

	assert.Equal(t, detector.KindTimeout, out.Kind)
	assert.GreaterOrEqual(t, out.Elapsed, 300*time.Millisecond)
	assert.Equal(t, detector.ExitTimeout, out.ExitCode())
}

func TestLoginNavigationError(t *testing.T) {
	s := newFakeSession()
	s.navErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

	out := newTestDriver(t, testSite(), s, nil, logger.Discard()).Login(context.Background(), 1)

	require.Equal(t, detector.KindFailure, out.Kind)
	assert.Equal(t, detector.ReasonNavigation, out.Reason)
	assert.Contains(t, out.Detail, "ERR_NAME_NOT_RESOLVED")
	assert.Positive(t, out.Elapsed)
}

func TestLoginHTTPErrorStatus(t *testing.T) {
	s := newFakeSession("#user", "#pass", "#submit")
	s.status = 503

	out := newTestDriver(t, testSite(), s, nil, logger.Discard()).Login(context.Background(), 1)

	assert.Equal(t, detector.ReasonNavigation, out.Reason)
	assert.Contains(t, out.Detail, "503")
	assert.Empty(t, s.fills, "no field is touched after a failed navigation")
}

func TestLoginElementNotFound(t *testing.T) {
	s := newFakeSession("#user", "#submit")

	out := newTestDriver(t, testSite(), s, nil, logger.Discard()).Login(context.Background(), 1)

	require.Equal(t, detector.KindFailure, out.Kind)
	assert.Equal(t, detector.ReasonElementNotFound, out.Reason)
	assert.Contains(t, out.Detail, "#pass")
	assert.Empty(t, s.clicks)
}

func TestLoginCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := newTestDriver(t, testSite(), newFakeSession("#user"), nil, logger.Discard()).Login(ctx, 1)

	assert.Equal(t, detector.ReasonCancelled, out.Reason)
}

func TestLoginMisconfigured(t *testing.T) {
	site := testSite()
	site.Success = []config.ConditionSpec{{URLRegexp: "("}}
	s := newFakeSession("#user", "#pass", "#submit")

	out := newTestDriver(t, site, s, nil, logger.Discard()).Login(context.Background(), 1)

	assert.Equal(t, detector.ReasonMisconfigured, out.Reason)
	assert.Equal(t, "about:blank", s.url, "nothing is loaded for a broken profile")
}

func TestLoginNeverLogsSecret(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New(logger.Config{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)

	s := newFakeSession("#user", "#pass", "#submit")
	s.onClick["#submit"] = func(s *fakeSession) { s.url = "https://example.com/home" }

	out := newTestDriver(t, testSite(), s, nil, log).Login(context.Background(), 1)
	require.True(t, out.Succeeded())

	assert.NotContains(t, buf.String(), "s3cret-value")
	assert.Contains(t, buf.String(), "[redacted]")
}

func TestJournalErrorsDoNotChangeOutcome(t *testing.T) {
	s := newFakeSession("#user", "#pass", "#submit")
	s.onClick["#submit"] = func(s *fakeSession) { s.url = "https://example.com/home" }
	j := &memJournal{err: errors.New("database is locked")}

	out := newTestDriver(t, testSite(), s, j, logger.Discard()).Login(context.Background(), 1)

	assert.True(t, out.Succeeded())
	assert.Len(t, j.attempts, 1)
}

func TestBuildLandmarks(t *testing.T) {
	landmarks, err := BuildLandmarks([]config.ConditionSpec{
		{Element: ".error"},
		{URLContains: "challenge", Reason: "ChallengeRequired"},
	})
	require.NoError(t, err)
	require.Len(t, landmarks, 2)
	assert.Equal(t, detector.ReasonLoginRejected, landmarks[0].Reason)
	assert.Equal(t, detector.ReasonChallenge, landmarks[1].Reason)

	_, err = BuildLandmarks([]config.ConditionSpec{{Element: ".x", Reason: "Teapot"}})
	assert.Error(t, err)

	_, err = BuildLandmarks([]config.ConditionSpec{{Element: ".x", URLContains: "y"}})
	assert.Error(t, err)
}

func TestConfigReasonsMapToDetector(t *testing.T) {
	want := map[string]detector.Reason{
		config.FailureLoginRejected: detector.ReasonLoginRejected,
		config.FailureChallenge:     detector.ReasonChallenge,
		config.FailureNavigation:    detector.ReasonNavigation,
	}
	for name, reason := range want {
		got, err := landmarkReason(name)
		require.NoError(t, err, name)
		assert.Equal(t, reason, got)
	}
}

func TestBuildConditionsCoversEveryMatcher(t *testing.T) {
	conds, err := BuildConditions([]config.ConditionSpec{
		{URLContains: "/home"},
		{URLGlob: "https://app.asana.com/0/**"},
		{URLRegexp: `/home/\d+`},
		{Element: ".Topbar"},
		{NetworkIdleMs: 500},
	})
	require.NoError(t, err)
	require.Len(t, conds, 5)
	assert.Contains(t, conds[4].Name(), "500ms")
}

func TestBuiltinSitesBuild(t *testing.T) {
	for name, site := range config.BuiltinSites() {
		_, err := BuildConditions(site.Success)
		assert.NoError(t, err, name)
		_, err = BuildLandmarks(site.Failure)
		assert.NoError(t, err, name)
	}
}
