package detector

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Condition is a success predicate or failure landmark probed against the page.
//
// Check is called repeatedly with a short-lived ctx. It returns (false, nil) when the
// condition does not hold yet, including when ctx expires while waiting.
type Condition interface {
	Name() string
	Check(ctx context.Context, page Page) (bool, error)
}

// Landmark is a Condition whose truth means the site rejected the attempt.
type Landmark struct {
	Condition
	Reason Reason
}

// Reject wraps c as a failure landmark with the LoginRejected reason.
func Reject(c Condition) Landmark {
	return Landmark{Condition: c, Reason: ReasonLoginRejected}
}

// settle folds a wait error into the (held, err) contract of Check.
func settle(ctx context.Context, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, nil
	}
	return false, err
}

type urlCondition struct {
	name  string
	match func(string) bool
}

func (c urlCondition) Name() string { return c.name }

func (c urlCondition) Check(ctx context.Context, page Page) (bool, error) {
	return settle(ctx, page.WaitURL(ctx, c.match))
}

// URLContains holds when the current URL contains substr.
func URLContains(substr string) Condition {
	return urlCondition{
		name:  fmt.Sprintf("url contains %q", substr),
		match: func(u string) bool { return strings.Contains(u, substr) },
	}
}

// URLGlob holds when the current URL matches pattern. '*' stays within a path
// segment and '**' crosses segments, e.g. "https://app.asana.com/0/**".
func URLGlob(pattern string) (Condition, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid url glob %q: %w", pattern, err)
	}
	return urlCondition{
		name:  fmt.Sprintf("url glob %q", pattern),
		match: g.Match,
	}, nil
}

// URLMatches holds when the current URL matches the regular expression.
func URLMatches(expr string) (Condition, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid url regexp %q: %w", expr, err)
	}
	return urlCondition{
		name:  fmt.Sprintf("url matches %q", expr),
		match: re.MatchString,
	}, nil
}

type elementCondition struct {
	selector string
}

// ElementVisible holds when an element matching selector is visible.
func ElementVisible(selector string) Condition {
	return elementCondition{selector: selector}
}

func (c elementCondition) Name() string { return fmt.Sprintf("element %q visible", c.selector) }

func (c elementCondition) Check(ctx context.Context, page Page) (bool, error) {
	return settle(ctx, page.WaitVisible(ctx, c.selector))
}

type idleCondition struct {
	idle time.Duration
}

// NetworkIdle holds once the page has had no requests in flight for idle.
func NetworkIdle(idle time.Duration) Condition {
	return idleCondition{idle: idle}
}

func (c idleCondition) Name() string { return fmt.Sprintf("network idle %s", c.idle) }

func (c idleCondition) Check(ctx context.Context, page Page) (bool, error) {
	return settle(ctx, page.WaitIdle(ctx, c.idle))
}

func (c idleCondition) quietPeriod() time.Duration { return c.idle }

// quietCondition is implemented by conditions that only hold after a span of inactivity.
type quietCondition interface {
	quietPeriod() time.Duration
}

type statusCondition struct {
	source StatusSource
	min    int
}

// StatusAtLeast holds when the main document answered with a status >= min.
func StatusAtLeast(source StatusSource, min int) Condition {
	return statusCondition{source: source, min: min}
}

func (c statusCondition) Name() string { return fmt.Sprintf("document status >= %d", c.min) }

func (c statusCondition) Check(ctx context.Context, _ Page) (bool, error) {
	return c.source.LastDocumentStatus() >= c.min, nil
}
