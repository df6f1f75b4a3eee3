// Package stealth provides human-like input for browser automation.
// Typing cadence, mouse paths and pauses vary the way a person's would, which keeps
// login forms that watch input timing from treating the session as scripted.
package stealth

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/nikshitha/site-login-automation/config"
	"github.com/nikshitha/site-login-automation/logger"
)

// StealthManager produces human-like input. It is not safe for concurrent use;
// each page owns one.
type StealthManager struct {
	config *config.StealthConfig
	logger *logger.Logger
	rand   *rand.Rand
	mouse  Point
}

// NewStealthManager creates a new stealth manager
func NewStealthManager(cfg *config.StealthConfig, log *logger.Logger) *StealthManager {
	return &StealthManager{
		config: cfg,
		logger: log.WithModule("stealth"),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		mouse:  Point{X: 640, Y: 400},
	}
}

// Point represents a 2D coordinate
type Point struct {
	X, Y float64
}

// ==============================================================================
// Mouse movement (Bézier curves with variable speed)
// ==============================================================================

// MoveMouse moves the mouse from its last known position to the target along a curve
func (s *StealthManager) MoveMouse(ctx context.Context, page *rod.Page, targetX, targetY float64) error {
	from := s.mouse
	points := s.generateBezierPath(from, Point{targetX, targetY})

	if s.config.MouseOvershoot && s.rand.Float64() < 0.3 {
		points = s.addOvershoot(points, targetX, targetY)
	}

	for i, point := range points {
		delay := s.calculateMovementDelay(i, len(points))
		if err := sleep(ctx, time.Duration(delay)*time.Millisecond); err != nil {
			return err
		}

		if err := page.Mouse.MoveLinear(proto.NewPoint(point.X, point.Y), 1); err != nil {
			return err
		}
		s.mouse = point

		if s.config.MouseMicroCorrect && i > len(points)-5 {
			s.addMicroCorrection(ctx, page, point.X, point.Y)
		}
	}

	s.logger.StealthAction("mouse_move", map[string]interface{}{
		"from_x": from.X, "from_y": from.Y,
		"to_x": targetX, "to_y": targetY,
		"steps": len(points),
	})

	return nil
}

// generateBezierPath creates a curved path between two points using cubic Bézier
func (s *StealthManager) generateBezierPath(start, end Point) []Point {
	distance := math.Hypot(end.X-start.X, end.Y-start.Y)
	numSteps := int(distance/10) + 10

	offsetRange := distance * 0.3
	ctrl1 := Point{
		X: start.X + (end.X-start.X)*0.25 + (s.rand.Float64()-0.5)*offsetRange,
		Y: start.Y + (end.Y-start.Y)*0.25 + (s.rand.Float64()-0.5)*offsetRange,
	}
	ctrl2 := Point{
		X: start.X + (end.X-start.X)*0.75 + (s.rand.Float64()-0.5)*offsetRange,
		Y: start.Y + (end.Y-start.Y)*0.75 + (s.rand.Float64()-0.5)*offsetRange,
	}

	points := make([]Point, numSteps)
	for i := 0; i < numSteps; i++ {
		t := float64(i) / float64(numSteps-1)
		points[i] = cubicBezier(t, start, ctrl1, ctrl2, end)
	}

	return points
}

// cubicBezier calculates a point on a cubic Bézier curve
func cubicBezier(t float64, p0, p1, p2, p3 Point) Point {
	u := 1 - t
	tt := t * t
	uu := u * u
	uuu := uu * u
	ttt := tt * t

	return Point{
		X: uuu*p0.X + 3*uu*t*p1.X + 3*u*tt*p2.X + ttt*p3.X,
		Y: uuu*p0.Y + 3*uu*t*p1.Y + 3*u*tt*p2.Y + ttt*p3.Y,
	}
}

// addOvershoot goes 5-15px past the target and corrects back
func (s *StealthManager) addOvershoot(points []Point, targetX, targetY float64) []Point {
	overshoot := Point{
		X: targetX + (s.rand.Float64()*10+5)*s.randomSign(),
		Y: targetY + (s.rand.Float64()*10+5)*s.randomSign(),
	}
	points = append(points, overshoot)

	correctionSteps := 3 + s.rand.Intn(3)
	for i := 0; i < correctionSteps; i++ {
		t := float64(i+1) / float64(correctionSteps)
		points = append(points, Point{
			X: overshoot.X + (targetX-overshoot.X)*t,
			Y: overshoot.Y + (targetY-overshoot.Y)*t,
		})
	}

	return points
}

func (s *StealthManager) addMicroCorrection(ctx context.Context, page *rod.Page, x, y float64) {
	if sleep(ctx, time.Duration(5+s.rand.Intn(10))*time.Millisecond) != nil {
		return
	}
	_ = page.Mouse.MoveLinear(proto.NewPoint(x+(s.rand.Float64()-0.5)*2, y+(s.rand.Float64()-0.5)*2), 1)
}

// calculateMovementDelay is slow at both ends of the path and fast in the middle
func (s *StealthManager) calculateMovementDelay(step, totalSteps int) int {
	progress := float64(step) / float64(totalSteps)
	easeFactor := math.Sin(progress * math.Pi)

	minDelay := int(s.config.MouseSpeedMin * 5)
	maxDelay := int(s.config.MouseSpeedMax * 15)

	delay := maxDelay - int(float64(maxDelay-minDelay)*easeFactor)
	return delay + s.rand.Intn(3)
}

// ==============================================================================
// Timing
// ==============================================================================

// RandomDelay waits between min and max milliseconds, or until ctx ends
func (s *StealthManager) RandomDelay(ctx context.Context, minMs, maxMs int) error {
	if maxMs < minMs {
		maxMs = minMs
	}
	delay := minMs + s.rand.Intn(maxMs-minMs+1)
	return sleep(ctx, time.Duration(delay)*time.Millisecond)
}

// ActionDelay adds human-like delay between actions
func (s *StealthManager) ActionDelay(ctx context.Context) error {
	return s.RandomDelay(ctx, s.config.ActionDelayMin, s.config.ActionDelayMax)
}

// TypingDelay waits one keystroke interval
func (s *StealthManager) TypingDelay(ctx context.Context) error {
	return s.RandomDelay(ctx, s.config.TypingDelayMin, s.config.TypingDelayMax)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ==============================================================================
// Fingerprint
// ==============================================================================

// GetRandomUserAgent returns a random, realistic user agent string
func (s *StealthManager) GetRandomUserAgent() string {
	userAgents := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0",
	}
	return userAgents[s.rand.Intn(len(userAgents))]
}

// GetRandomViewport returns randomized viewport dimensions
func (s *StealthManager) GetRandomViewport() (int, int) {
	viewports := []struct{ width, height int }{
		{1920, 1080},
		{1366, 768},
		{1536, 864},
		{1440, 900},
		{1280, 800},
		{1600, 900},
	}
	vp := viewports[s.rand.Intn(len(viewports))]
	return vp.width + s.rand.Intn(20) - 10, vp.height + s.rand.Intn(20) - 10
}

// ==============================================================================
// Typing
// ==============================================================================

// HumanType types text with per-key jitter and the occasional corrected typo
func (s *StealthManager) HumanType(ctx context.Context, page *rod.Page, element *rod.Element, text string) error {
	el := element.Context(ctx)
	mistakes := 0

	for _, char := range text {
		delay := s.config.TypingDelayMin
		if span := s.config.TypingDelayMax - s.config.TypingDelayMin; span > 0 {
			delay += s.rand.Intn(span)
		}
		if s.rand.Float64() < 0.05 {
			delay += 200 + s.rand.Intn(400)
		}

		if s.config.TypingMistakeRate > 0 && s.rand.Float64() < s.config.TypingMistakeRate {
			if wrong := s.getAdjacentKey(char); wrong != char {
				if err := el.Input(string(wrong)); err != nil {
					return err
				}
				if err := sleep(ctx, time.Duration(100+s.rand.Intn(200))*time.Millisecond); err != nil {
					return err
				}
				if err := page.Keyboard.Press(input.Backspace); err != nil {
					return err
				}
				mistakes++
			}
		}

		if err := el.Input(string(char)); err != nil {
			return err
		}

		if err := sleep(ctx, time.Duration(delay)*time.Millisecond); err != nil {
			return err
		}
	}

	s.logger.StealthAction("typing", map[string]interface{}{
		"length":   len(text),
		"mistakes": mistakes,
	})

	return nil
}

// getAdjacentKey returns a key adjacent to the given key on a QWERTY keyboard
func (s *StealthManager) getAdjacentKey(char rune) rune {
	adjacentKeys := map[rune][]rune{
		'a': {'s', 'q', 'z'},
		'b': {'v', 'n', 'g', 'h'},
		'c': {'x', 'v', 'd', 'f'},
		'd': {'s', 'f', 'e', 'r', 'c', 'x'},
		'e': {'w', 'r', 'd', 's'},
		'f': {'d', 'g', 'r', 't', 'v', 'c'},
		'g': {'f', 'h', 't', 'y', 'b', 'v'},
		'h': {'g', 'j', 'y', 'u', 'n', 'b'},
		'i': {'u', 'o', 'k', 'j'},
		'j': {'h', 'k', 'u', 'i', 'm', 'n'},
		'k': {'j', 'l', 'i', 'o', 'm'},
		'l': {'k', 'o', 'p'},
		'm': {'n', 'j', 'k'},
		'n': {'b', 'm', 'h', 'j'},
		'o': {'i', 'p', 'k', 'l'},
		'p': {'o', 'l'},
		'q': {'w', 'a'},
		'r': {'e', 't', 'd', 'f'},
		's': {'a', 'd', 'w', 'e', 'z', 'x'},
		't': {'r', 'y', 'f', 'g'},
		'u': {'y', 'i', 'h', 'j'},
		'v': {'c', 'b', 'f', 'g'},
		'w': {'q', 'e', 'a', 's'},
		'x': {'z', 'c', 's', 'd'},
		'y': {'t', 'u', 'g', 'h'},
		'z': {'a', 'x'},
	}

	lowerChar := char
	if char >= 'A' && char <= 'Z' {
		lowerChar = char + 32
	}

	if adjacent, ok := adjacentKeys[lowerChar]; ok {
		result := adjacent[s.rand.Intn(len(adjacent))]
		if char >= 'A' && char <= 'Z' {
			result -= 32
		}
		return result
	}
	return char
}

// ==============================================================================
// Clicking
// ==============================================================================

// HoverElement moves the mouse to a random point inside the element
func (s *StealthManager) HoverElement(ctx context.Context, page *rod.Page, element *rod.Element) error {
	box, err := element.Context(ctx).Shape()
	if err != nil {
		return err
	}
	if len(box.Quads) == 0 {
		return nil
	}

	quad := box.Quads[0]
	x := quad[0] + (quad[2]-quad[0])*s.rand.Float64()*0.6 + (quad[2]-quad[0])*0.2
	y := quad[1] + (quad[5]-quad[1])*s.rand.Float64()*0.6 + (quad[5]-quad[1])*0.2

	if err := s.MoveMouse(ctx, page, x, y); err != nil {
		return err
	}

	return sleep(ctx, time.Duration(100+s.rand.Intn(300))*time.Millisecond)
}

// ClickElement performs a human-like click on an element
func (s *StealthManager) ClickElement(ctx context.Context, page *rod.Page, element *rod.Element) error {
	if err := s.HoverElement(ctx, page, element); err != nil {
		return err
	}

	if err := sleep(ctx, time.Duration(50+s.rand.Intn(150))*time.Millisecond); err != nil {
		return err
	}

	if err := element.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}

	return sleep(ctx, time.Duration(100+s.rand.Intn(200))*time.Millisecond)
}

func (s *StealthManager) randomSign() float64 {
	if s.rand.Float64() < 0.5 {
		return -1
	}
	return 1
}
