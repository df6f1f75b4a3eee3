package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nikshitha/site-login-automation/browser"
	"github.com/nikshitha/site-login-automation/config"
	"github.com/nikshitha/site-login-automation/detector"
	"github.com/nikshitha/site-login-automation/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		out  detector.Outcome
		want bool
	}{
		{"success", detector.Outcome{Kind: detector.KindSuccess}, false},
		{"timeout", detector.Outcome{Kind: detector.KindTimeout}, true},
		{"navigation", detector.Outcome{Kind: detector.KindFailure, Reason: detector.ReasonNavigation}, true},
		{"element", detector.Outcome{Kind: detector.KindFailure, Reason: detector.ReasonElementNotFound}, true},
		{"rejected", detector.Outcome{Kind: detector.KindFailure, Reason: detector.ReasonLoginRejected}, false},
		{"challenge", detector.Outcome{Kind: detector.KindFailure, Reason: detector.ReasonChallenge}, false},
		{"cancelled", detector.Outcome{Kind: detector.KindFailure, Reason: detector.ReasonCancelled}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.out))
		})
	}
}

func TestApplyFlags(t *testing.T) {
	saved := *engineName
	savedAttempts := *attempts
	savedHeadless := *headless
	t.Cleanup(func() {
		*engineName = saved
		*attempts = savedAttempts
		*headless = savedHeadless
	})

	cfg := config.DefaultConfig()
	cfg.Browser.Headless = true

	*engineName = config.EngineChromedp
	*attempts = 3
	*headless = false

	applyFlags(cfg, map[string]bool{})
	assert.Equal(t, config.EngineChromedp, cfg.Browser.Engine)
	assert.Equal(t, 3, cfg.Run.MaxAttempts)
	assert.True(t, cfg.Browser.Headless, "unset flags keep the configured value")

	applyFlags(cfg, map[string]bool{"headless": true})
	assert.False(t, cfg.Browser.Headless)
}

func TestDrainEventsFinishesWhenStreamCloses(t *testing.T) {
	events := make(chan browser.Event, 2)
	events <- browser.Event{Kind: browser.EventConsole, Text: "log: hello"}
	events <- browser.Event{Kind: browser.EventHTTPError, URL: "https://example.com/api", Status: 500}
	close(events)

	select {
	case <-drainEvents(events, logger.Discard()):
	case <-time.After(time.Second):
		t.Fatal("drain did not finish after the stream closed")
	}
}

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	app := &Application{out: &buf}

	app.report(detector.Outcome{
		Kind:   detector.KindFailure,
		Reason: detector.ReasonLoginRejected,
		Detail: `element ".error" visible observed`,
		Diagnostics: &detector.Diagnostics{
			ScreenshotPath: "diagnostics/asana-failure.png",
			PageURL:        "https://app.asana.com/-/login",
		},
	})

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Failure{reason: LoginRejected"))
	assert.Contains(t, out, "diagnostics/asana-failure.png")
	assert.Contains(t, out, "https://app.asana.com/-/login")
}

func TestListSites(t *testing.T) {
	var buf bytes.Buffer
	app := &Application{config: config.DefaultConfig(), logger: logger.Discard(), out: &buf}

	app.listSites()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "asana"))
	assert.Contains(t, lines[1], "ASANA_USR / ASANA_PWD")
	assert.True(t, strings.HasPrefix(lines[3], "servicenow"))
}

func TestPreflight(t *testing.T) {
	cfg := config.DefaultConfig()
	env := map[string]string{"ASANA_USR": "qa@example.com", "ASANA_PWD": "hunter2"}
	var looked []string
	lookup := func(key string) (string, bool) {
		looked = append(looked, key)
		v, ok := env[key]
		return v, ok
	}

	t.Run("unknown site", func(t *testing.T) {
		looked = nil
		_, _, err := preflight(cfg, "jira", lookup)
		assert.True(t, errors.Is(err, config.ErrUnknownSite), "got %v", err)
		assert.Empty(t, looked, "credentials are not read for an unknown site")
	})

	t.Run("missing credentials", func(t *testing.T) {
		_, _, err := preflight(cfg, "logz", lookup)
		assert.True(t, errors.Is(err, config.ErrMissingCredentials), "got %v", err)
	})

	t.Run("resolved", func(t *testing.T) {
		site, creds, err := preflight(cfg, "asana", lookup)
		require.NoError(t, err)
		assert.Equal(t, "asana", site.Name)
		assert.Equal(t, "qa@example.com", creds.Identifier)
	})
}
