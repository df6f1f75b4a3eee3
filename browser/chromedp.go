package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/nikshitha/site-login-automation/config"
	"github.com/nikshitha/site-login-automation/logger"
	"github.com/nikshitha/site-login-automation/stealth"
)

// CDPBrowser runs pages through chromedp.
type CDPBrowser struct {
	config      *config.Config
	logger      *logger.Logger
	stealth     *stealth.StealthManager
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
}

// NewCDPBrowser creates a chromedp-backed engine
func NewCDPBrowser(cfg *config.Config, log *logger.Logger, s *stealth.StealthManager) *CDPBrowser {
	return &CDPBrowser{
		config:  cfg,
		logger:  log.WithModule("browser").WithField("engine", config.EngineChromedp),
		stealth: s,
	}
}

// Launch prepares the exec allocator. Chromium itself starts with the first page.
func (b *CDPBrowser) Launch(ctx context.Context) error {
	dataDir, err := ensureUserDataDir(b.config.Browser.UserDataDir)
	if err != nil {
		return err
	}

	width, height := viewport(b.config, b.stealth)
	options := append([]chromedp.ExecAllocatorOption{},
		chromedp.DefaultExecAllocatorOptions[:]...,
	)
	options = append(options,
		chromedp.Flag("headless", b.config.Browser.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.WindowSize(width, height),
	)
	if b.config.Browser.NoSandbox {
		options = append(options, chromedp.NoSandbox)
	}
	if dataDir != "" {
		options = append(options, chromedp.UserDataDir(dataDir))
	}
	if ua := userAgent(b.config, b.stealth); ua != "" {
		options = append(options, chromedp.UserAgent(ua))
	}

	b.allocCtx, b.cancelAlloc = chromedp.NewExecAllocator(context.Background(), options...)
	b.logger.WithField("headless", b.config.Browser.Headless).Info("Browser allocator ready")
	return ctx.Err()
}

// NewPage opens a tab and subscribes to its events
func (b *CDPBrowser) NewPage(ctx context.Context) (Page, error) {
	if b.allocCtx == nil {
		return nil, errors.New("browser is not launched")
	}

	tabCtx, cancel := chromedp.NewContext(b.allocCtx,
		chromedp.WithLogf(b.logger.Debugf),
		chromedp.WithErrorf(b.logger.Debugf),
	)

	p := &CDPPage{
		ctx:      tabCtx,
		cancel:   cancel,
		logger:   b.logger,
		stealth:  b.stealth,
		human:    b.config.Stealth.Humanize && b.stealth != nil,
		sink:     newEventSink(eventBuffer),
		requests: newRequestTracker(),
	}
	chromedp.ListenTarget(tabCtx, p.onEvent)

	// The first Run starts the browser; it must use the tab context itself or
	// the browser would die with a derived timeout.
	err := chromedp.Run(tabCtx,
		network.Enable(),
		runtime.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := cdppage.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			p.frameID = tree.Frame.ID
			return nil
		}),
	)
	if err != nil {
		cancel()
		p.sink.close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	go func() {
		<-tabCtx.Done()
		p.sink.close()
	}()

	b.logger.Info("Page created")
	return p, ctx.Err()
}

// Close shuts down Chromium
func (b *CDPBrowser) Close() error {
	b.logger.Info("Closing browser")
	if b.cancelAlloc != nil {
		b.cancelAlloc()
	}
	return nil
}

// CDPPage implements Page with chromedp actions.
type CDPPage struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *logger.Logger
	stealth  *stealth.StealthManager
	human    bool
	frameID  cdp.FrameID
	sink     *eventSink
	requests *requestTracker
	status   atomic.Int64
}

func (p *CDPPage) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.requests.started(string(e.RequestID))
	case *network.EventLoadingFinished:
		p.requests.finished(string(e.RequestID))
	case *network.EventLoadingFailed:
		p.requests.finished(string(e.RequestID))
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		status := int(e.Response.Status)
		if e.Type == network.ResourceTypeDocument && e.FrameID == p.frameID {
			p.status.Store(int64(status))
		}
		if status >= 400 {
			p.sink.emit(Event{Kind: EventHTTPError, URL: e.Response.URL, Status: status, Text: e.Response.StatusText})
		}
	case *runtime.EventConsoleAPICalled:
		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			var val any
			if arg.Value != nil && json.Unmarshal(arg.Value, &val) == nil {
				parts = append(parts, fmt.Sprint(val))
			} else if arg.Description != "" {
				parts = append(parts, arg.Description)
			} else {
				parts = append(parts, fmt.Sprintf("[%s]", arg.Type))
			}
		}
		p.sink.emit(Event{Kind: EventConsole, Text: e.Type.String() + ": " + strings.Join(parts, " ")})
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails == nil {
			return
		}
		p.sink.emit(Event{Kind: EventException, Text: e.ExceptionDetails.Error()})
	}
}

// run executes actions in the tab while honoring the caller's ctx.
func (p *CDPPage) run(ctx context.Context, actions ...chromedp.Action) error {
	rctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		rctx, cancelDeadline = context.WithDeadline(rctx, dl)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Events returns the page's event stream
func (p *CDPPage) Events() <-chan Event { return p.sink.events() }

// LastDocumentStatus returns the status of the most recent main document response
func (p *CDPPage) LastDocumentStatus() int { return int(p.status.Load()) }

// Navigate loads url and waits for the load event
func (p *CDPPage) Navigate(ctx context.Context, url string) (int, error) {
	p.logger.BrowserAction("navigate", url)
	p.status.Store(0)
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return p.LastDocumentStatus(), fmt.Errorf("navigation failed: %w", err)
	}
	return p.LastDocumentStatus(), nil
}

// WaitURL polls the page URL until match holds
func (p *CDPPage) WaitURL(ctx context.Context, match func(string) bool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		u, err := p.URL(ctx)
		if err != nil {
			return err
		}
		if match(u) {
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
func (p *CDPPage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// WaitIdle waits until no request has been in flight for idle
func (p *CDPPage) WaitIdle(ctx context.Context, idle time.Duration) error {
	return p.requests.wait(ctx, idle)
}

// URL returns the current page URL
func (p *CDPPage) URL(ctx context.Context) (string, error) {
	var u string
	err := p.run(ctx, chromedp.Location(&u))
	return u, err
}

// Content returns the page HTML
func (p *CDPPage) Content(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// Screenshot writes a full-page PNG to path
func (p *CDPPage) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return fmt.Errorf("screenshot failed: %w", err)
	}
	return writeScreenshot(path, buf)
}

// Fill replaces the value of the input matching selector
func (p *CDPPage) Fill(ctx context.Context, selector, value string) error {
	if err := p.run(ctx, chromedp.Clear(selector, chromedp.ByQuery)); err != nil {
		return err
	}
	if !p.human {
		return p.run(ctx, chromedp.SendKeys(selector, value, chromedp.ByQuery))
	}

	for _, r := range value {
		if err := p.run(ctx, chromedp.SendKeys(selector, string(r), chromedp.ByQuery)); err != nil {
			return err
		}
		if err := p.stealth.TypingDelay(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Click clicks the element matching selector
func (p *CDPPage) Click(ctx context.Context, selector string) error {
	if p.human {
		if err := p.stealth.ActionDelay(ctx); err != nil {
			return err
		}
	}
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

// Close closes the tab and its event stream
func (p *CDPPage) Close() error {
	p.cancel()
	p.sink.close()
	return nil
}
