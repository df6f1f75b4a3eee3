// Site Login Automation - Main Application
// Logs into a configured web application with a real browser and reports whether
// the login succeeded, was rejected, or timed out. The exit status carries the result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/nikshitha/site-login-automation/auth"
	"github.com/nikshitha/site-login-automation/browser"
	"github.com/nikshitha/site-login-automation/config"
	"github.com/nikshitha/site-login-automation/detector"
	"github.com/nikshitha/site-login-automation/logger"
	"github.com/nikshitha/site-login-automation/stealth"
	"github.com/nikshitha/site-login-automation/storage"
)

// Run modes
const (
	modeLogin      = "login"
	modeInspect    = "inspect"
	modeHistory    = "history"
	modeSites      = "sites"
	modeDumpConfig = "dump-config"
)

// Application holds all components of the automation tool
type Application struct {
	config  *config.Config
	logger  *logger.Logger
	stealth *stealth.StealthManager
	engine  browser.Engine
	db      *storage.Database
	out     io.Writer
}

// Command line flags
var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
	siteName   = flag.String("site", "", "Site profile to log into (see -mode sites)")
	mode       = flag.String("mode", modeLogin, "Run mode: login, inspect, history, sites, dump-config")
	engineName = flag.String("engine", "", "Browser engine override: rod or chromedp")
	headless   = flag.Bool("headless", true, "Run the browser headless (overrides config when set)")
	attempts   = flag.Int("attempts", 0, "Maximum login attempts (overrides config when > 0)")
	outPath    = flag.String("out", "config.effective.yaml", "Output path for -mode dump-config")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

// run returns the process exit status so deferred cleanup always happens.
func run() int {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to read .env file: %v\n", err)
		return detector.ExitConfiguration
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return detector.ExitConfiguration
	}
	applyFlags(cfg, setFlags())
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return detector.ExitConfiguration
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputFile: cfg.Logging.OutputFile,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return detector.ExitConfiguration
	}

	app := &Application{config: cfg, logger: log, out: os.Stdout}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case modeSites:
		app.listSites()
		return detector.ExitSuccess
	case modeDumpConfig:
		if err := cfg.SaveConfig(*outPath); err != nil {
			log.WithError(err).Error("Failed to write configuration")
			return detector.ExitFailure
		}
		log.WithField("path", *outPath).Info("Effective configuration written")
		return detector.ExitSuccess
	case modeHistory:
		return app.showHistory(ctx, *siteName)
	case modeInspect:
		site, err := cfg.Site(*siteName)
		if err != nil {
			log.WithError(err).Error("Cannot inspect site")
			return detector.ExitConfiguration
		}
		return app.inspect(ctx, site)
	case modeLogin:
		site, creds, err := preflight(cfg, *siteName, os.LookupEnv)
		if err != nil {
			log.WithError(err).Error("Cannot log in")
			return detector.ExitConfiguration
		}
		out := app.login(ctx, site, creds)
		app.report(out)
		return out.ExitCode()
	default:
		log.Errorf("Unknown mode: %s", *mode)
		return detector.ExitConfiguration
	}
}

// preflight resolves the site and its credentials. It runs before any browser
// is started so configuration errors exit without launching Chromium.
func preflight(cfg *config.Config, name string, lookup func(string) (string, bool)) (*config.SiteProfile, config.Credentials, error) {
	site, err := cfg.Site(name)
	if err != nil {
		return nil, config.Credentials{}, err
	}
	creds, err := config.LoadCredentials(site, lookup)
	if err != nil {
		return nil, config.Credentials{}, err
	}
	return site, creds, nil
}

// setFlags returns the names of the flags given on the command line.
func setFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// applyFlags lets explicit command line flags override the loaded configuration.
func applyFlags(cfg *config.Config, set map[string]bool) {
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *engineName != "" {
		cfg.Browser.Engine = *engineName
	}
	if set["headless"] {
		cfg.Browser.Headless = *headless
	}
	if *attempts > 0 {
		cfg.Run.MaxAttempts = *attempts
	}
}

// start launches the browser engine once per run
func (app *Application) start(ctx context.Context) error {
	if app.engine != nil {
		return nil
	}

	app.stealth = stealth.NewStealthManager(&app.config.Stealth, app.logger)
	engine, err := browser.New(app.config, app.logger, app.stealth)
	if err != nil {
		return err
	}

	launchCtx, cancel := context.WithTimeout(ctx, app.config.GetTimeout())
	defer cancel()
	if err := engine.Launch(launchCtx); err != nil {
		engine.Close()
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	app.engine = engine
	return nil
}

// openJournal opens the attempt journal when storage is enabled
func (app *Application) openJournal() {
	if !app.config.Storage.Enabled || app.db != nil {
		return
	}
	db, err := storage.NewDatabase(app.config.Storage.DatabasePath, app.logger)
	if err != nil {
		app.logger.WithError(err).Warn("Attempt journal unavailable")
		return
	}
	app.db = db
}

// login retries whole attempts until one succeeds or the attempt budget is spent
func (app *Application) login(ctx context.Context, site *config.SiteProfile, creds config.Credentials) detector.Outcome {
	log := app.logger.WithSite(site.Name)
	log.WithField("display_name", site.DisplayName).Info("Site login starting")

	if err := app.start(ctx); err != nil {
		log.WithError(err).Error("Browser unavailable")
		return detector.Outcome{Kind: detector.KindFailure, Reason: detector.ReasonNavigation, Detail: err.Error()}
	}
	app.openJournal()

	var journal auth.Journal
	if app.db != nil {
		journal = app.db
	}
	capturer := detector.NewCapturer(app.config.Diagnostics, app.logger)

	maxAttempts := app.config.Run.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var out detector.Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out = app.attempt(ctx, site, creds, capturer, journal, attempt)
		if !retryable(out) || attempt == maxAttempts {
			break
		}

		log.WithFields(map[string]interface{}{
			"attempt": attempt,
			"outcome": out.String(),
			"delay":   app.config.RetryDelay().String(),
		}).Warn("Retrying login")

		select {
		case <-ctx.Done():
			return out
		case <-time.After(app.config.RetryDelay()):
		}
	}
	return out
}

// attempt runs one login in a fresh tab and forwards its page events to the log
func (app *Application) attempt(ctx context.Context, site *config.SiteProfile, creds config.Credentials,
	capturer *detector.Capturer, journal auth.Journal, n int) detector.Outcome {
	page, err := app.engine.NewPage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return detector.Outcome{Kind: detector.KindFailure, Reason: detector.ReasonCancelled, Detail: ctx.Err().Error()}
		}
		return detector.Outcome{Kind: detector.KindFailure, Reason: detector.ReasonNavigation, Detail: err.Error()}
	}

	drained := drainEvents(page.Events(), app.logger.WithSite(site.Name))
	defer func() {
		if err := page.Close(); err != nil {
			app.logger.WithError(err).Debug("Page close failed")
		}
		<-drained
	}()

	det := detector.New(detector.OptionsFor(app.config, site), capturer, app.logger)
	return auth.NewDriver(site, creds, page, det, journal, app.logger).Login(ctx, n)
}

// retryable reports whether another attempt could change the result.
func retryable(out detector.Outcome) bool {
	if out.Succeeded() {
		return false
	}
	switch out.Reason {
	case detector.ReasonCancelled, detector.ReasonMisconfigured, detector.ReasonLoginRejected, detector.ReasonChallenge:
		return false
	}
	return true
}

// drainEvents logs page events until the stream closes; the returned channel closes after the last one.
func drainEvents(events <-chan browser.Event, log *logger.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			log.PageEvent(string(e.Kind), e.Text, e.URL, e.Status)
		}
	}()
	return done
}

// report prints the outcome for humans and scripts
func (app *Application) report(out detector.Outcome) {
	fmt.Fprintln(app.out, out.String())
	if out.Diagnostics != nil {
		if out.Diagnostics.ScreenshotPath != "" {
			fmt.Fprintf(app.out, "  screenshot: %s\n", out.Diagnostics.ScreenshotPath)
		}
		if out.Diagnostics.PageURL != "" {
			fmt.Fprintf(app.out, "  page url:   %s\n", out.Diagnostics.PageURL)
		}
		if out.Diagnostics.ContentExcerpt != "" {
			fmt.Fprintf(app.out, "  content:    %s\n", out.Diagnostics.ContentExcerpt)
		}
	}
}

// inspect loads the login page and lists its inputs to help write a site profile
func (app *Application) inspect(ctx context.Context, site *config.SiteProfile) int {
	if err := app.start(ctx); err != nil {
		app.logger.WithError(err).Error("Browser unavailable")
		return detector.ExitFailure
	}

	page, err := app.engine.NewPage(ctx)
	if err != nil {
		app.logger.WithError(err).Error("Failed to open page")
		return detector.ExitFailure
	}
	drained := drainEvents(page.Events(), app.logger.WithSite(site.Name))
	defer func() {
		page.Close()
		<-drained
	}()

	navCtx, cancel := context.WithTimeout(ctx, site.NavigationTimeout())
	defer cancel()
	status, err := page.Navigate(navCtx, site.LoginURL)
	if err != nil {
		app.logger.WithError(err).Error("Failed to load login page")
		return detector.ExitFailure
	}

	describer, ok := page.(interface {
		DescribeInputs(context.Context) ([]browser.InputDescription, error)
	})
	if !ok {
		app.logger.Errorf("Inspect is not supported by the %s engine", app.config.Browser.Engine)
		return detector.ExitFailure
	}
	inputs, err := describer.DescribeInputs(navCtx)
	if err != nil {
		app.logger.WithError(err).Error("Failed to list inputs")
		return detector.ExitFailure
	}

	fmt.Fprintf(app.out, "%s (HTTP %d): %d input elements\n", site.LoginURL, status, len(inputs))
	w := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tNAME\tTYPE\tAUTOCOMPLETE\tPLACEHOLDER")
	for i, in := range inputs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, in.ID, in.Name, in.Type, in.Autocomplete, in.Placeholder)
	}
	w.Flush()
	return detector.ExitSuccess
}

// showHistory prints recent attempts and daily counts from the journal
func (app *Application) showHistory(ctx context.Context, site string) int {
	if !app.config.Storage.Enabled {
		app.logger.Error("Storage is disabled; no history is kept")
		return detector.ExitConfiguration
	}
	app.openJournal()
	if app.db == nil {
		return detector.ExitFailure
	}

	recent, err := app.db.RecentAttempts(ctx, site, 20)
	if err != nil {
		app.logger.WithError(err).Error("Failed to read attempts")
		return detector.ExitFailure
	}

	w := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSITE\tTRY\tOUTCOME\tREASON\tELAPSED")
	for _, a := range recent {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			a.StartedAt.Local().Format("2006-01-02 15:04:05"), a.Site, a.Attempt, a.Outcome, a.Reason,
			a.Elapsed.Round(time.Millisecond))
	}
	w.Flush()

	if site == "" {
		return detector.ExitSuccess
	}

	stats, err := app.db.SiteStats(ctx, site, 7)
	if err != nil {
		app.logger.WithError(err).Error("Failed to read daily stats")
		return detector.ExitFailure
	}
	fmt.Fprintf(app.out, "\n=== %s, last %d days ===\n", site, len(stats))
	for _, s := range stats {
		fmt.Fprintf(app.out, "  %s  success: %d  failure: %d  timeout: %d\n", s.Date, s.Successes, s.Failures, s.Timeouts)
	}
	return detector.ExitSuccess
}

// listSites prints the configured site profiles
func (app *Application) listSites() {
	names := make([]string, 0, len(app.config.Sites))
	for name := range app.config.Sites {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SITE\tNAME\tLOGIN URL\tCREDENTIALS")
	for _, name := range names {
		site, err := app.config.Site(name)
		if err != nil {
			continue
		}
		user, pwd := site.CredentialKeys()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s / %s\n", name, site.DisplayName, site.LoginURL, user, pwd)
	}
	w.Flush()
}

// Close cleans up application resources
func (app *Application) Close() {
	if app.engine != nil {
		if err := app.engine.Close(); err != nil {
			app.logger.WithError(err).Warn("Browser close failed")
		}
	}
	if app.db != nil {
		app.db.Close()
	}
	app.logger.Debug("Cleanup complete")
}
