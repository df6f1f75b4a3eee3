package detector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nikshitha/site-login-automation/config"
	"github.com/nikshitha/site-login-automation/logger"
)

// Capturer writes diagnostics for a page: its URL, a content excerpt and a screenshot.
// Every step is attempted even if an earlier one failed.
type Capturer struct {
	config config.DiagnosticsConfig
	logger *logger.Logger
	now    func() time.Time
}

// NewCapturer creates a capturer writing into cfg.Dir
func NewCapturer(cfg config.DiagnosticsConfig, log *logger.Logger) *Capturer {
	if cfg.ExcerptChars <= 0 {
		cfg.ExcerptChars = 500
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	return &Capturer{
		config: cfg,
		logger: log.WithModule("diagnostics"),
		now:    time.Now,
	}
}

// Timeout bounds a whole capture.
func (c *Capturer) Timeout() time.Duration {
	return time.Duration(c.config.TimeoutSeconds) * time.Second
}

// Capture collects diagnostics for page. The returned Diagnostics holds whatever
// succeeded; err joins the failures of the individual steps.
func (c *Capturer) Capture(ctx context.Context, page Page, label string) (*Diagnostics, error) {
	diag := &Diagnostics{}
	var errs []error

	if err := os.MkdirAll(c.config.Dir, 0755); err != nil {
		return diag, fmt.Errorf("failed to create diagnostics directory: %w", err)
	}
	base := filepath.Join(c.config.Dir, c.artifactName(label))

	if u, err := page.URL(ctx); err != nil {
		errs = append(errs, fmt.Errorf("url: %w", err))
	} else {
		diag.PageURL = u
	}

	if content, err := page.Content(ctx); err != nil {
		errs = append(errs, fmt.Errorf("content: %w", err))
	} else {
		diag.ContentExcerpt = Excerpt(content, c.config.ExcerptChars)
		if c.config.SaveContent {
			path := base + ".html"
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				errs = append(errs, fmt.Errorf("content file: %w", err))
			} else {
				diag.ContentPath = path
			}
		}
	}

	path := base + ".png"
	if err := page.Screenshot(ctx, path); err != nil {
		errs = append(errs, fmt.Errorf("screenshot: %w", err))
	} else {
		diag.ScreenshotPath = path
	}

	c.logger.WithFields(map[string]interface{}{
		"screenshot": diag.ScreenshotPath,
		"page_url":   diag.PageURL,
		"failures":   len(errs),
	}).Info("Diagnostics captured")

	return diag, errors.Join(errs...)
}

// artifactName is unique per call: a UTC timestamp plus a short random suffix.
func (c *Capturer) artifactName(label string) string {
	return fmt.Sprintf("%s-%s-%s",
		sanitize(label),
		c.now().UTC().Format("20060102-150405.000"),
		uuid.NewString()[:8],
	)
}

func sanitize(label string) string {
	if label == "" {
		return "login"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, label)
}

// Excerpt returns at most n runes of s, marking truncation with "...".
func Excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
