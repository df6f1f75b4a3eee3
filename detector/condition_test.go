package detector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nikshitha/site-login-automation/config"
	"github.com/nikshitha/site-login-automation/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkNow(t *testing.T, c Condition, url string) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ok, err := c.Check(ctx, newFakePage(url))
	require.NoError(t, err)
	return ok
}

func TestURLGlob(t *testing.T) {
	c, err := URLGlob("https://app.asana.com/0/**")
	require.NoError(t, err)

	assert.True(t, checkNow(t, c, "https://app.asana.com/0/home/1200"))
	assert.False(t, checkNow(t, c, "https://app.asana.com/-/login"))

	single, err := URLGlob("https://example.com/*/dashboard")
	require.NoError(t, err)
	assert.True(t, checkNow(t, single, "https://example.com/team/dashboard"))
	assert.False(t, checkNow(t, single, "https://example.com/a/b/dashboard"), "single star stays within a segment")
}

func TestURLMatches(t *testing.T) {
	c, err := URLMatches(`/home/\d+$`)
	require.NoError(t, err)
	assert.True(t, checkNow(t, c, "https://example.com/home/42"))
	assert.False(t, checkNow(t, c, "https://example.com/home/"))

	_, err = URLMatches("(")
	assert.Error(t, err)
}

func TestURLContains(t *testing.T) {
	c := URLContains("/home/")
	assert.True(t, checkNow(t, c, "https://example.com/home/42"))
	assert.False(t, checkNow(t, c, "https://example.com/login"))
	assert.Contains(t, c.Name(), "/home/")
}

func TestElementCheckSurfacesErrors(t *testing.T) {
	page := newFakePage("about:blank")
	page.waitErr["div["] = errors.New("invalid selector")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	ok, err := ElementVisible("div[").Check(ctx, page)
	assert.False(t, ok)
	assert.EqualError(t, err, "invalid selector")

	ok, err = ElementVisible(".missing").Check(ctx, page)
	assert.False(t, ok)
	assert.NoError(t, err, "an expired window means not yet, not an error")
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", Excerpt("short", 10))
	assert.Equal(t, "abc...", Excerpt("abcdef", 3))
	assert.Equal(t, "héé...", Excerpt("hééllo", 3), "truncation is rune-safe")
}

func TestCaptureWritesArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "diag")
	c := NewCapturer(config.DiagnosticsConfig{Dir: dir, ExcerptChars: 10, SaveContent: true}, logger.Discard())
	page := newFakePage("https://example.com/login")
	page.content = strings.Repeat("x", 50)

	diag, err := c.Capture(context.Background(), page, "asana-failure")
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/login", diag.PageURL)
	assert.Equal(t, strings.Repeat("x", 10)+"...", diag.ContentExcerpt)
	assert.FileExists(t, diag.ScreenshotPath)
	assert.True(t, strings.HasPrefix(filepath.Base(diag.ScreenshotPath), "asana-failure-"))

	saved, err := os.ReadFile(diag.ContentPath)
	require.NoError(t, err)
	assert.Len(t, saved, 50, "the content file keeps the full page")
}

func TestCaptureNamesAreUnique(t *testing.T) {
	c := NewCapturer(config.DiagnosticsConfig{Dir: t.TempDir()}, logger.Discard())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	a := c.artifactName("site/one")
	b := c.artifactName("site/one")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "site-one-20260102-030405.000-"))
}

func TestCaptureCollectsStepErrors(t *testing.T) {
	c := NewCapturer(config.DiagnosticsConfig{Dir: t.TempDir()}, logger.Discard())
	page := newFakePage("https://example.com/login")
	page.screenshotErr = errors.New("target closed")

	diag, err := c.Capture(context.Background(), page, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "screenshot")
	assert.Equal(t, "https://example.com/login", diag.PageURL, "other steps still run")
	assert.Empty(t, diag.ScreenshotPath)
}
