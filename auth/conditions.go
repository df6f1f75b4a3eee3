package auth

import (
	"fmt"
	"time"

	"github.com/nikshitha/site-login-automation/config"
	"github.com/nikshitha/site-login-automation/detector"
)

// BuildCondition turns a declarative predicate into a detector condition.
func BuildCondition(spec config.ConditionSpec) (detector.Condition, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch {
	case spec.URLContains != "":
		return detector.URLContains(spec.URLContains), nil
	case spec.URLGlob != "":
		return detector.URLGlob(spec.URLGlob)
	case spec.URLRegexp != "":
		return detector.URLMatches(spec.URLRegexp)
	case spec.Element != "":
		return detector.ElementVisible(spec.Element), nil
	default:
		return detector.NetworkIdle(time.Duration(spec.NetworkIdleMs) * time.Millisecond), nil
	}
}

// BuildConditions converts success predicates.
func BuildConditions(specs []config.ConditionSpec) ([]detector.Condition, error) {
	conds := make([]detector.Condition, 0, len(specs))
	for i, spec := range specs {
		c, err := BuildCondition(spec)
		if err != nil {
			return nil, fmt.Errorf("success %d: %w", i, err)
		}
		conds = append(conds, c)
	}
	return conds, nil
}

// BuildLandmarks converts failure landmarks, resolving each one's reason.
func BuildLandmarks(specs []config.ConditionSpec) ([]detector.Landmark, error) {
	landmarks := make([]detector.Landmark, 0, len(specs))
	for i, spec := range specs {
		c, err := BuildCondition(spec)
		if err != nil {
			return nil, fmt.Errorf("failure %d: %w", i, err)
		}
		reason, err := landmarkReason(spec.Reason)
		if err != nil {
			return nil, fmt.Errorf("failure %d: %w", i, err)
		}
		landmarks = append(landmarks, detector.Landmark{Condition: c, Reason: reason})
	}
	return landmarks, nil
}

func landmarkReason(name string) (detector.Reason, error) {
	switch r := detector.Reason(name); r {
	case "":
		return detector.ReasonLoginRejected, nil
	case detector.ReasonLoginRejected, detector.ReasonChallenge, detector.ReasonNavigation:
		return r, nil
	default:
		return "", fmt.Errorf("unsupported failure reason %q", name)
	}
}
