package detector

import (
	"context"
	"os"
	"sync"
	"time"
)

type urlChange struct {
	at  time.Duration
	url string
}

// fakePage scripts a page along a timeline that starts when it is created.
type fakePage struct {
	start      time.Time
	url        string
	urlChanges []urlChange
	visibleAt  map[string]time.Duration
	waitErr    map[string]error
	idleAt     time.Duration
	content    string
	// idleFromCall measures the quiet period from each WaitIdle call instead of
	// from the timeline, the way a waiter without request history behaves.
	idleFromCall bool

	urlErr        error
	contentErr    error
	screenshotErr error
	status        int

	mu          sync.Mutex
	screenshots []string
}

func newFakePage(url string) *fakePage {
	return &fakePage{
		start:     time.Now(),
		url:       url,
		visibleAt: make(map[string]time.Duration),
		waitErr:   make(map[string]error),
		idleAt:    -1,
		content:   "<html><body>login</body></html>",
	}
}

func (p *fakePage) navigateAt(at time.Duration, url string) *fakePage {
	p.urlChanges = append(p.urlChanges, urlChange{at: at, url: url})
	return p
}

func (p *fakePage) showAt(at time.Duration, selector string) *fakePage {
	p.visibleAt[selector] = at
	return p
}

func (p *fakePage) currentURL() string {
	elapsed := time.Since(p.start)
	u := p.url
	for _, c := range p.urlChanges {
		if elapsed >= c.at {
			u = c.url
		}
	}
	return u
}

// waitUntil sleeps until offset at on the timeline, or returns ctx.Err().
func (p *fakePage) waitUntil(ctx context.Context, at time.Duration) error {
	remaining := at - time.Since(p.start)
	if remaining <= 0 {
		return nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *fakePage) WaitURL(ctx context.Context, match func(string) bool) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if match(p.currentURL()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string) error {
	if err, ok := p.waitErr[selector]; ok {
		return err
	}
	at, ok := p.visibleAt[selector]
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.waitUntil(ctx, at)
}

func (p *fakePage) WaitIdle(ctx context.Context, idle time.Duration) error {
	if p.idleAt < 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.idleFromCall {
		return p.waitUntil(ctx, max(p.idleAt, time.Since(p.start))+idle)
	}
	return p.waitUntil(ctx, p.idleAt+idle)
}

func (p *fakePage) URL(ctx context.Context) (string, error) {
	if p.urlErr != nil {
		return "", p.urlErr
	}
	return p.currentURL(), nil
}

func (p *fakePage) Content(ctx context.Context) (string, error) {
	if p.contentErr != nil {
		return "", p.contentErr
	}
	return p.content, nil
}

func (p *fakePage) Screenshot(ctx context.Context, path string) error {
	if p.screenshotErr != nil {
		return p.screenshotErr
	}
	p.mu.Lock()
	p.screenshots = append(p.screenshots, path)
	p.mu.Unlock()
	return os.WriteFile(path, []byte("png"), 0644)
}

func (p *fakePage) LastDocumentStatus() int {
	return p.status
}
