package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/elonfeng/rivalradar/internal/config"
	"github.com/elonfeng/rivalradar/internal/lock"
	"github.com/elonfeng/rivalradar/internal/metrics"
	"github.com/elonfeng/rivalradar/internal/pipeline"
	"github.com/elonfeng/rivalradar/internal/quota"
	"github.com/elonfeng/rivalradar/internal/scheduler"
	"github.com/elonfeng/rivalradar/internal/store"
	"github.com/elonfeng/rivalradar/migrations"
	"github.com/elonfeng/rivalradar/pkg/notify"
	"github.com/elonfeng/rivalradar/pkg/search"
	"github.com/elonfeng/rivalradar/pkg/server"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = "config.yaml"
	}
	return config.Load(path)
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	if cfg.Format == "json" {
		out = os.Stderr
	}
	l := zerolog.New(out).With().Timestamp().Logger()
	// Libraries that log through the global logger, such as migrations.
	zlog.Logger = l
	return l
}

// app holds everything a command needs to execute alerts.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   *store.SQLStore
	metrics *metrics.Metrics
	quota   *quota.Manager
	runner  *pipeline.Runner
	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg.Log)

	db, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, log: log, store: db, metrics: metrics.New()}
	a.closers = append(a.closers, db.Close)

	a.quota = quota.New(db, cfg.Quota.MonthlyLimit, a.metrics, log)

	locker, err := a.buildLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	notifier, err := a.buildNotifier()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.runner = pipeline.New(pipeline.Deps{
		Store:    db,
		Searcher: a.buildSearcher(),
		Quota:    a.quota,
		Notifier: notifier,
		Locker:   locker,
		Metrics:  a.metrics,
	}, cfg.Schedule.Pacing, log)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
}

func (a *app) buildSearcher() *search.Client {
	sc := a.cfg.Search
	var provider search.Provider
	switch sc.Provider {
	case "feed":
		provider = search.NewFeedProvider(nil, sc.FeedURL, sc.Timeout)
	default:
		if sc.APIKey == "" {
			a.log.Warn().Msg("search.api_key is empty; searches will fail and yield no results")
		}
		provider = search.NewAPIProvider(nil, sc.Endpoint, sc.APIKey, sc.Timeout)
	}
	return search.NewClient(provider, search.Config{
		Locale:      sc.Locale,
		MaxAttempts: sc.MaxAttempts,
		BackoffBase: sc.BackoffBase,
	}, a.metrics, a.log)
}

func (a *app) buildLocker(ctx context.Context) (lock.Locker, error) {
	lc := a.cfg.Lock
	if lc.Addr == "" {
		return lock.NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     lc.Addr,
		Password: lc.Password,
		DB:       lc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", lc.Addr, err)
	}
	a.closers = append(a.closers, client.Close)
	a.log.Info().Str("addr", lc.Addr).Msg("using redis alert locks")
	return lock.NewRedis(client, lc.TTL), nil
}

func (a *app) buildNotifier() (*notify.Manager, error) {
	nc := a.cfg.Notify
	client := &http.Client{Timeout: 15 * time.Second}

	notifiers := []notify.Notifier{
		notify.NewEmail(nc.SMTP, nc.DashboardURL, a.log),
		notify.NewWebhook(client, nc.WebhookSecret),
	}
	if nc.Slack.Enabled && nc.Slack.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlack(client, nc.Slack.WebhookURL))
	}
	if nc.Discord.Enabled && nc.Discord.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewDiscord(client, nc.Discord.WebhookURL))
	}
	if nc.Telegram.Enabled && nc.Telegram.Token != "" {
		tg, err := notify.NewTelegram(nc.Telegram.Token, nc.Telegram.ChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		notifiers = append(notifiers, tg)
	}
	if nc.RabbitMQ.URL != "" {
		b, err := notify.NewBroker(nc.RabbitMQ, a.log)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		a.closers = append(a.closers, b.Close)
		notifiers = append(notifiers, b)
	}

	m := notify.NewManager(notifiers, a.metrics)
	a.log.Info().Strs("channels", m.Names()).Msg("notifiers configured")
	return m, nil
}

func runDaemon(ctx context.Context, port int) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(a.store, a.runner, a.cfg.Schedule.TickInterval, a.log)
	sched.Start(ctx)
	defer sched.Stop()

	srv := server.New(a.store, a.runner, a.quota, a.metrics.Handler(), port, a.log)
	err = srv.ListenAndServe(ctx)
	a.log.Info().Msg("shutting down")
	return err
}

func runServe(ctx context.Context, port int) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := server.New(a.store, a.runner, a.quota, a.metrics.Handler(), port, a.log)
	return srv.ListenAndServe(ctx)
}

func runTrigger(ctx context.Context, alertID string, jsonOutput bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	run, runErr := a.runner.Trigger(ctx, alertID)
	if run == nil {
		return runErr
	}

	if jsonOutput {
		if err := printJSON(run); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATUS\tAPI CALLS\tNEW\tERROR")
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", run.ID, run.Status, run.APICallsUsed, run.NewPresencesFound, run.ErrorMessage)
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return runErr
}

func runAlertsList(ctx context.Context, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	alerts, err := db.ListAlerts(ctx)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}
	if jsonOutput {
		return printJSON(alerts)
	}
	if len(alerts) == 0 {
		fmt.Println("no alerts (create some with: rivalradar alerts import alerts.yaml)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFREQUENCY\tACTIVE\tNEXT RUN")
	for _, al := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
			al.ID, al.Name, al.Frequency, al.IsActive,
			al.NextRunTime.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

// alertFile is the YAML layout accepted by "alerts import".
type alertFile struct {
	Alerts []alertEntry `yaml:"alerts"`
}

// alertEntry defaults is_active to true when the key is absent.
type alertEntry struct {
	store.Alert `yaml:",inline"`
	IsActive    *bool `yaml:"is_active"`
}

func readAlertFile(path string) ([]store.Alert, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f alertFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	alerts := make([]store.Alert, 0, len(f.Alerts))
	var errs []error
	for i, e := range f.Alerts {
		al := e.Alert
		al.IsActive = e.IsActive == nil || *e.IsActive
		al.Normalize()
		if err := al.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("alert %d (%s): %w", i, al.Name, err))
		}
		alerts = append(alerts, al)
	}
	return alerts, errors.Join(errs...)
}

func runAlertsImport(ctx context.Context, path string) error {
	alerts, err := readAlertFile(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	for i := range alerts {
		if err := db.CreateAlert(ctx, &alerts[i]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "created %s (%s)\n", alerts[i].Name, alerts[i].ID)
	}
	return nil
}

func runRuns(ctx context.Context, alertID string, limit int, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	runs, err := db.ListAlertRuns(ctx, alertID, limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if jsonOutput {
		return printJSON(runs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tAPI CALLS\tNEW\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			r.StartTime.Local().Format(time.RFC3339), r.Status,
			r.APICallsUsed, r.NewPresencesFound, r.ErrorMessage)
	}
	return w.Flush()
}

func runQuota(ctx context.Context, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	q := quota.New(db, cfg.Quota.MonthlyLimit, nil, zerolog.Nop())
	usage, err := q.Usage(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(usage)
	}
	fmt.Printf("%s: %d of %d calls used, %d remaining\n",
		usage.Month, usage.TotalAPICalls, q.Limit(), usage.RemainingCalls)
	return nil
}

// runMigrate bypasses store.New, which always migrates up.
func runMigrate(ctx context.Context, direction string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	newLogger(cfg.Log)
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Database.Driver, err)
	}
	defer db.Close()

	if err := migrations.Setup(cfg.Database.Driver); err != nil {
		return err
	}
	switch direction {
	case "up":
		return goose.UpContext(ctx, db, ".")
	case "down":
		return goose.DownContext(ctx, db, ".")
	default:
		return goose.StatusContext(ctx, db, ".")
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
