// Package browser provides the browser engines that drive a login page.
// The rod engine is the default; chromedp is available as an alternative.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	rodstealth "github.com/go-rod/stealth"
	"github.com/nikshitha/site-login-automation/config"
	"github.com/nikshitha/site-login-automation/detector"
	"github.com/nikshitha/site-login-automation/logger"
	"github.com/nikshitha/site-login-automation/stealth"
)

// Page is a single tab able to drive a login form and be probed by the detector.
type Page interface {
	detector.Page
	detector.StatusSource
	// Navigate loads url and returns the main document's HTTP status, or 0 if none was seen.
	Navigate(ctx context.Context, url string) (int, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// Events streams console output, exceptions and failed responses. The channel
	// is closed when the page closes.
	Events() <-chan Event
	Close() error
}

// Engine launches a browser and opens pages in it.
type Engine interface {
	Launch(ctx context.Context) error
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// New returns the engine selected by cfg.Browser.Engine.
func New(cfg *config.Config, log *logger.Logger, s *stealth.StealthManager) (Engine, error) {
	switch cfg.Browser.Engine {
	case "", config.EngineRod:
		return NewBrowser(cfg, log, s), nil
	case config.EngineChromedp:
		return NewCDPBrowser(cfg, log, s), nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q", cfg.Browser.Engine)
	}
}

// viewport picks the configured or a randomized window size.
func viewport(cfg *config.Config, s *stealth.StealthManager) (int, int) {
	if cfg.Stealth.RandomizeViewport && s != nil {
		return s.GetRandomViewport()
	}
	return cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight
}

// userAgent picks the configured or a random user agent; empty keeps the browser's own.
func userAgent(cfg *config.Config, s *stealth.StealthManager) string {
	if cfg.Stealth.RandomUserAgent && s != nil {
		return s.GetRandomUserAgent()
	}
	return cfg.Browser.UserAgent
}

func ensureUserDataDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for user data dir: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create user data directory: %w", err)
	}
	return absPath, nil
}

func writeScreenshot(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Browser wraps the Rod browser with additional functionality
type Browser struct {
	config  *config.Config
	logger  *logger.Logger
	stealth *stealth.StealthManager
	browser *rod.Browser
	width   int
	height  int
}

// NewBrowser creates a new browser instance
func NewBrowser(cfg *config.Config, log *logger.Logger, s *stealth.StealthManager) *Browser {
	return &Browser{
		config:  cfg,
		logger:  log.WithModule("browser"),
		stealth: s,
	}
}

// Launch starts Chromium and connects to it
func (b *Browser) Launch(ctx context.Context) error {
	b.logger.WithField("headless", b.config.Browser.Headless).Info("Launching browser")

	dataDir, err := ensureUserDataDir(b.config.Browser.UserDataDir)
	if err != nil {
		return err
	}

	l := launcher.New().
		Headless(b.config.Browser.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-infobars").
		Set("disable-dev-shm-usage").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-background-networking").
		Set("disable-sync").
		Set("disable-translate").
		Set("disable-extensions").
		Set("disable-popup-blocking").
		Set("metrics-recording-only").
		Set("safebrowsing-disable-auto-update")

	if b.config.Browser.NoSandbox {
		l = l.NoSandbox(true)
	}
	if dataDir != "" {
		l = l.UserDataDir(dataDir)
	}

	b.width, b.height = viewport(b.config, b.stealth)
	l = l.Set("window-size", fmt.Sprintf("%d,%d", b.width, b.height))

	url, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	b.browser = rod.New().ControlURL(url)
	if b.config.Browser.SlowMotion > 0 {
		b.browser = b.browser.SlowMotion(time.Duration(b.config.Browser.SlowMotion) * time.Millisecond)
	}

	if err := b.browser.Connect(); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	b.logger.Info("Browser launched successfully")
	return ctx.Err()
}

// NewPage opens a tab with stealth settings applied
func (b *Browser) NewPage(ctx context.Context) (Page, error) {
	if b.browser == nil {
		return nil, errors.New("browser is not launched")
	}

	var (
		page *rod.Page
		err  error
	)
	if b.config.Stealth.DisableWebdriver {
		page, err = rodstealth.Page(b.browser)
	} else {
		page, err = b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	err = page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             b.width,
		Height:            b.height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
	if err != nil {
		b.logger.WithError(err).Warn("Failed to set viewport")
	}

	if ua := userAgent(b.config, b.stealth); ua != "" {
		if err := page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			b.logger.WithError(err).Warn("Failed to set user agent")
		} else {
			b.logger.WithField("user_agent", ua).Debug("User agent set")
		}
	}

	p := &RodPage{
		page:     page,
		logger:   b.logger,
		stealth:  b.stealth,
		human:    b.config.Stealth.Humanize && b.stealth != nil,
		sink:     newEventSink(eventBuffer),
		requests: newRequestTracker(),
	}
	p.listen()

	b.logger.Info("Page created with stealth settings")
	return p, nil
}

// Close closes the browser
func (b *Browser) Close() error {
	b.logger.Info("Closing browser")
	if b.browser != nil {
		return b.browser.Close()
	}
	return nil
}

// RodPage implements Page on top of a rod tab.
type RodPage struct {
	page     *rod.Page
	logger   *logger.Logger
	stealth  *stealth.StealthManager
	human    bool
	sink     *eventSink
	requests *requestTracker
	status   atomic.Int64
	stop     context.CancelFunc
}

// listen forwards page events to the sink until the page is closed.
func (p *RodPage) listen() {
	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel

	wait := p.page.Context(ctx).EachEvent(
		func(e *proto.RuntimeConsoleAPICalled) {
			parts := make([]string, 0, len(e.Args))
			for _, arg := range e.Args {
				if arg.Description != "" {
					parts = append(parts, arg.Description)
				} else {
					parts = append(parts, fmt.Sprint(arg.Value.Val()))
				}
			}
			p.sink.emit(Event{Kind: EventConsole, Text: string(e.Type) + ": " + strings.Join(parts, " ")})
		},
		func(e *proto.RuntimeExceptionThrown) {
			text := e.ExceptionDetails.Text
			if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
				text = e.ExceptionDetails.Exception.Description
			}
			p.sink.emit(Event{Kind: EventException, Text: text})
		},
		func(e *proto.NetworkRequestWillBeSent) {
			p.requests.started(string(e.RequestID))
		},
		func(e *proto.NetworkLoadingFinished) {
			p.requests.finished(string(e.RequestID))
		},
		func(e *proto.NetworkLoadingFailed) {
			p.requests.finished(string(e.RequestID))
		},
		func(e *proto.NetworkResponseReceived) {
			if e.Response == nil {
				return
			}
			if e.Type == proto.NetworkResourceTypeDocument && e.FrameID == p.page.FrameID {
				p.status.Store(int64(e.Response.Status))
			}
			if e.Response.Status >= 400 {
				p.sink.emit(Event{Kind: EventHTTPError, URL: e.Response.URL, Status: e.Response.Status, Text: e.Response.StatusText})
			}
		},
	)

	go func() {
		wait()
		p.sink.close()
	}()
}

// Events returns the page's event stream
func (p *RodPage) Events() <-chan Event { return p.sink.events() }

// LastDocumentStatus returns the status of the most recent main document response
func (p *RodPage) LastDocumentStatus() int { return int(p.status.Load()) }

// Navigate loads url and waits for the load event
func (p *RodPage) Navigate(ctx context.Context, url string) (int, error) {
	p.logger.BrowserAction("navigate", url)
	p.status.Store(0)

	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return p.LastDocumentStatus(), fmt.Errorf("navigation failed: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return p.LastDocumentStatus(), fmt.Errorf("page load failed: %w", err)
	}
	return p.LastDocumentStatus(), nil
}

// WaitURL polls the page URL until match holds
func (p *RodPage) WaitURL(ctx context.Context, match func(string) bool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		info, err := p.page.Context(ctx).Info()
		if err != nil {
			return err
		}
		if match(info.URL) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitVisible waits for an element matching selector to become visible
func (p *RodPage) WaitVisible(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.WaitVisible()
}

// WaitIdle waits until no request has been in flight for idle
func (p *RodPage) WaitIdle(ctx context.Context, idle time.Duration) error {
	return p.requests.wait(ctx, idle)
}

// URL returns the current page URL
func (p *RodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Content returns the page HTML
func (p *RodPage) Content(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

// Screenshot writes a full-page PNG to path
func (p *RodPage) Screenshot(ctx context.Context, path string) error {
	data, err := p.page.Context(ctx).Screenshot(true, nil)
	if err != nil {
		return fmt.Errorf("screenshot failed: %w", err)
	}
	return writeScreenshot(path, data)
}

// Fill replaces the value of the input matching selector
func (p *RodPage) Fill(ctx context.Context, selector, value string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		p.logger.WithError(err).Debug("Could not select existing text")
	}
	if p.human {
		if err := p.stealth.HoverElement(ctx, p.page, el); err != nil {
			return err
		}
		return p.stealth.HumanType(ctx, p.page, el, value)
	}
	return el.Input(value)
}

// Click clicks the element matching selector
func (p *RodPage) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	if p.human {
		if err := p.stealth.ActionDelay(ctx); err != nil {
			return err
		}
		return p.stealth.ClickElement(ctx, p.page, el)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// InputDescription summarizes one input element found on the page.
type InputDescription struct {
	ID           string
	Name         string
	Type         string
	Autocomplete string
	Placeholder  string
}

// DescribeInputs lists the input elements on the page, which helps when writing
// selectors for a new site profile.
func (p *RodPage) DescribeInputs(ctx context.Context) ([]InputDescription, error) {
	inputs, err := p.page.Context(ctx).Elements("input")
	if err != nil {
		return nil, err
	}

	attr := func(el *rod.Element, name string) string {
		v, err := el.Attribute(name)
		if err != nil || v == nil {
			return ""
		}
		return *v
	}

	out := make([]InputDescription, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, InputDescription{
			ID:           attr(in, "id"),
			Name:         attr(in, "name"),
			Type:         attr(in, "type"),
			Autocomplete: attr(in, "autocomplete"),
			Placeholder:  attr(in, "placeholder"),
		})
	}
	return out, nil
}

// Close stops the event stream and closes the tab
func (p *RodPage) Close() error {
	p.stop()
	return p.page.Close()
}
