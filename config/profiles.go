package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Supported browser engines
const (
	EngineRod      = "rod"
	EngineChromedp = "chromedp"
)

// Form step actions
const (
	ActionFill  = "fill"
	ActionClick = "click"
	ActionWait  = "wait"
)

// Special fill values resolved from Credentials
const (
	ValueIdentifier = "identifier"
	ValueSecret     = "secret"
)

var (
	ErrUnknownSite        = errors.New("unknown site")
	ErrMissingCredentials = errors.New("missing credentials")
)

// SiteProfile describes how to log into one site. It replaces per-site scripts:
// selectors, predicates and timeouts are data consumed by a single driver.
type SiteProfile struct {
	Name            string          `yaml:"-"`
	DisplayName     string          `yaml:"display_name"`
	EnvPrefix       string          `yaml:"env_prefix"`
	LoginURL        string          `yaml:"login_url"`
	NavigationSecs  int             `yaml:"navigation_timeout_seconds"`
	DeadlineSeconds int             `yaml:"deadline_seconds"`
	FailOnHTTPError bool            `yaml:"fail_on_http_error"`
	Steps           []FormStep      `yaml:"steps"`
	Success         []ConditionSpec `yaml:"success"`
	Failure         []ConditionSpec `yaml:"failure"`
}

// FormStep is one interaction with the login form.
type FormStep struct {
	Action         string `yaml:"action"`
	Selector       string `yaml:"selector"`
	Value          string `yaml:"value,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	// WaitIdleMs waits for the network to go quiet after the step, e.g. after a "continue" button.
	WaitIdleMs int `yaml:"wait_idle_ms,omitempty"`
}

// ConditionSpec declares one success predicate or failure landmark. Exactly one
// of the matcher fields must be set.
type ConditionSpec struct {
	URLContains   string `yaml:"url_contains,omitempty"`
	URLGlob       string `yaml:"url_glob,omitempty"`
	URLRegexp     string `yaml:"url_regexp,omitempty"`
	Element       string `yaml:"element,omitempty"`
	NetworkIdleMs int    `yaml:"network_idle_ms,omitempty"`
	// Reason labels a failure landmark; defaults to LoginRejected.
	Reason string `yaml:"reason,omitempty"`
}

// Failure landmark reasons accepted in ConditionSpec.Reason.
const (
	FailureLoginRejected = "LoginRejected"
	FailureChallenge     = "ChallengeRequired"
	FailureNavigation    = "NavigationError"
)

// Credentials are supplied once per run and never persisted.
type Credentials struct {
	Identifier string
	Secret     string
}

// String redacts the secret so credentials can be logged safely.
func (c Credentials) String() string {
	return fmt.Sprintf("{identifier:%s secret:[redacted]}", c.Identifier)
}

// LoadCredentials reads <PREFIX>_USR and <PREFIX>_PWD through lookup.
func LoadCredentials(site *SiteProfile, lookup func(string) (string, bool)) (Credentials, error) {
	userKey, pwdKey := site.CredentialKeys()
	user, _ := lookup(userKey)
	pwd, _ := lookup(pwdKey)

	var missing []string
	if strings.TrimSpace(user) == "" {
		missing = append(missing, userKey)
	}
	if pwd == "" {
		missing = append(missing, pwdKey)
	}
	if len(missing) > 0 {
		return Credentials{}, fmt.Errorf("%w: set %s in the environment or .env file", ErrMissingCredentials, strings.Join(missing, " and "))
	}

	return Credentials{Identifier: strings.TrimSpace(user), Secret: pwd}, nil
}

// CredentialKeys returns the environment variable names holding the site's credentials.
func (s *SiteProfile) CredentialKeys() (string, string) {
	prefix := s.EnvPrefix
	if prefix == "" {
		prefix = strings.ToUpper(s.Name)
	}
	return prefix + "_USR", prefix + "_PWD"
}

// Deadline returns the detector deadline for this site.
func (s *SiteProfile) Deadline() time.Duration {
	return time.Duration(s.DeadlineSeconds) * time.Second
}

// NavigationTimeout returns the timeout for loading the login page.
func (s *SiteProfile) NavigationTimeout() time.Duration {
	if s.NavigationSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.NavigationSecs) * time.Second
}

// Timeout returns how long the step waits for its element.
func (f FormStep) Timeout() time.Duration {
	if f.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// Clone returns a deep copy.
func (s *SiteProfile) Clone() *SiteProfile {
	c := *s
	c.Steps = append([]FormStep(nil), s.Steps...)
	c.Success = append([]ConditionSpec(nil), s.Success...)
	c.Failure = append([]ConditionSpec(nil), s.Failure...)
	return &c
}

// Validate checks that the profile can drive a login.
func (s *SiteProfile) Validate() error {
	if s.LoginURL == "" {
		return errors.New("login_url is required")
	}
	if len(s.Success) == 0 {
		return errors.New("at least one success predicate is required")
	}
	for i, step := range s.Steps {
		switch step.Action {
		case ActionFill, ActionClick, ActionWait:
		default:
			return fmt.Errorf("step %d: unknown action %q", i, step.Action)
		}
		if step.Selector == "" {
			return fmt.Errorf("step %d: selector is required", i)
		}
		if step.Action == ActionFill && step.Value == "" {
			return fmt.Errorf("step %d: fill requires a value", i)
		}
	}
	for i, spec := range s.Success {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("success %d: %w", i, err)
		}
	}
	for i, spec := range s.Failure {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("failure %d: %w", i, err)
		}
		if spec.NetworkIdleMs > 0 {
			return fmt.Errorf("failure %d: network idle cannot signal failure", i)
		}
		switch spec.Reason {
		case "", FailureLoginRejected, FailureChallenge, FailureNavigation:
		default:
			return fmt.Errorf("failure %d: unsupported reason %q (must be %s, %s or %s)",
				i, spec.Reason, FailureLoginRejected, FailureChallenge, FailureNavigation)
		}
	}
	if s.DeadlineSeconds < 0 {
		return errors.New("deadline_seconds must not be negative")
	}
	return nil
}

// Validate checks that exactly one matcher is set.
func (c ConditionSpec) Validate() error {
	set := 0
	for _, v := range []bool{c.URLContains != "", c.URLGlob != "", c.URLRegexp != "", c.Element != "", c.NetworkIdleMs > 0} {
		if v {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of url_contains, url_glob, url_regexp, element, network_idle_ms must be set (got %d)", set)
	}
	if c.URLGlob != "" {
		if _, err := glob.Compile(c.URLGlob, '/'); err != nil {
			return fmt.Errorf("url_glob: %w", err)
		}
	}
	if c.URLRegexp != "" {
		if _, err := regexp.Compile(c.URLRegexp); err != nil {
			return fmt.Errorf("url_regexp: %w", err)
		}
	}
	return nil
}

// BuiltinSites returns the profiles for the three supported applications.
func BuiltinSites() map[string]*SiteProfile {
	return map[string]*SiteProfile{
		"asana": {
			DisplayName:     "Asana",
			EnvPrefix:       "ASANA",
			LoginURL:        "https://app.asana.com/",
			NavigationSecs:  30,
			DeadlineSeconds: 30,
			FailOnHTTPError: true,
			Steps: []FormStep{
				{Action: ActionFill, Selector: `input[type="email"].TextInput`, Value: ValueIdentifier, TimeoutSeconds: 10},
				{Action: ActionClick, Selector: `div[role="button"].LoginEmailForm-continueButton`, WaitIdleMs: 500},
				{Action: ActionFill, Selector: `input[type="password"]`, Value: ValueSecret, TimeoutSeconds: 10},
				{Action: ActionClick, Selector: `div[role="button"].LoginPasswordForm-loginButton`},
			},
			Success: []ConditionSpec{
				{URLGlob: "https://app.asana.com/0/**"},
				{Element: ".Dashboard, .Topbar"},
			},
			Failure: []ConditionSpec{
				{Element: ".LoginPasswordForm-errorMessage, .LoginEmailForm-errorMessage"},
				{Element: `iframe[src*="captcha"]`, Reason: "ChallengeRequired"},
			},
		},
		"logz": {
			DisplayName:     "Logz.io",
			EnvPrefix:       "LOGZ",
			LoginURL:        "https://app.logz.io/",
			NavigationSecs:  30,
			DeadlineSeconds: 30,
			FailOnHTTPError: true,
			Steps: []FormStep{
				{Action: ActionFill, Selector: `[data-logz-test-subject="email-field"] input[type="email"]`, Value: ValueIdentifier, TimeoutSeconds: 5},
				{Action: ActionFill, Selector: `[data-logz-test-subject="password-field"] input[type="password"]`, Value: ValueSecret, TimeoutSeconds: 5},
				{Action: ActionClick, Selector: `[data-logz-test-subject="sign-in-button"]`},
			},
			Success: []ConditionSpec{
				{URLContains: "app.logz.io/#/dashboard"},
				{Element: `[data-logz-test-subject="top-bar"]`},
			},
			Failure: []ConditionSpec{
				{Element: `[data-logz-test-subject="login-error"]`},
			},
		},
		"servicenow": {
			DisplayName:     "ServiceNow",
			EnvPrefix:       "SERVICENOW",
			LoginURL:        "https://dev282630.service-now.com",
			NavigationSecs:  60,
			DeadlineSeconds: 45,
			FailOnHTTPError: true,
			Steps: []FormStep{
				{Action: ActionWait, Selector: `form[action="login.do"]`, TimeoutSeconds: 30},
				{Action: ActionFill, Selector: "#user_name", Value: ValueIdentifier, TimeoutSeconds: 30},
				{Action: ActionFill, Selector: "#user_password", Value: ValueSecret, TimeoutSeconds: 30},
				{Action: ActionClick, Selector: "#sysverb_login", TimeoutSeconds: 30},
			},
			Success: []ConditionSpec{
				{Element: "div.navpage-header"},
				{URLContains: "/now/nav/ui"},
			},
			Failure: []ConditionSpec{
				{Element: ".outputmsg_error"},
				{URLContains: "login_redirect.do?sysparm_error"},
			},
		},
	}
}
