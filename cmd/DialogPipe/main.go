package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/api"
	"github.com/BTreeMap/DialogPipe/internal/config"
	"github.com/BTreeMap/DialogPipe/internal/flow"
	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/intent"
	"github.com/BTreeMap/DialogPipe/internal/messaging"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/questionbank"
	"github.com/BTreeMap/DialogPipe/internal/scheduler"
	"github.com/BTreeMap/DialogPipe/internal/store"
	"github.com/BTreeMap/DialogPipe/internal/translate"
	"github.com/BTreeMap/DialogPipe/internal/turnlock"
	"github.com/BTreeMap/DialogPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/DialogPipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Default file names inside the state directory.
const (
	DefaultDBFileName         = "dialogpipe.db"
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultOutboxPoll is how often queued chat replies are sent.
	DefaultOutboxPoll = 2 * time.Second
)

// Flags holds command line flag values. Empty values keep the configured setting.
type Flags struct {
	configPath   string
	stateDir     string
	dbDSN        string
	apiAddr      string
	logLevel     string
	questionBank string
	qrOutput     string
	numeric      bool
}

func main() {
	loadDotEnv()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "DialogPipe: failed to load configuration:", err)
		os.Exit(1)
	}
	cfg = applyFlags(cfg, flags)
	initializeLogger(os.Stdout, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("main: invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, flags); err != nil {
		slog.Error("main: DialogPipe failed", "error", err)
		os.Exit(1)
	}
	slog.Info("main: DialogPipe exited")
}

// loadDotEnv loads .env into the process environment when present.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("main.loadDotEnv: no .env file loaded", "error", err)
	}
}

func parseCommandLineFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	var f Flags
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file (overrides $"+config.EnvConfigFile+")")
	fs.StringVar(&f.stateDir, "state-dir", "", "state directory (overrides $"+config.EnvStateDir+")")
	fs.StringVar(&f.dbDSN, "db-dsn", "", "conversation database DSN, a file path, a postgres URL or \"memory\" (overrides $"+config.EnvDatabaseURL+")")
	fs.StringVar(&f.apiAddr, "api-addr", "", "API server address (overrides $"+config.EnvAPIAddr+")")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides $"+config.EnvLogLevel+")")
	fs.StringVar(&f.questionBank, "question-bank", "", "question bank CSV or YAML file (overrides $"+config.EnvQuestionBank+")")
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "print the WhatsApp login code instead of a QR code")
	err := fs.Parse(args)
	return f, err
}

// applyFlags overlays the non-empty flags onto cfg.
func applyFlags(cfg config.Config, f Flags) config.Config {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.StateDir, f.stateDir)
	set(&cfg.DatabaseDSN, f.dbDSN)
	set(&cfg.APIAddr, f.apiAddr)
	set(&cfg.LogLevel, f.logLevel)
	set(&cfg.QuestionBankPath, f.questionBank)
	set(&cfg.Channels.QRPath, f.qrOutput)
	if f.numeric {
		cfg.Channels.NumericCode = true
	}
	return cfg
}

func initializeLogger(w io.Writer, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// databaseDSN defaults the conversation database to SQLite in the state directory.
func databaseDSN(cfg config.Config) string {
	if cfg.DatabaseDSN == "" {
		return filepath.Join(cfg.StateDir, DefaultDBFileName)
	}
	return cfg.DatabaseDSN
}

// whatsAppDSN defaults the whatsmeow device store to SQLite in the state directory.
func whatsAppDSN(cfg config.Config) string {
	if cfg.Channels.WhatsAppDSN == "" {
		return "file:" + filepath.Join(cfg.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	return cfg.Channels.WhatsAppDSN
}

// engineOptions builds the backends, classifier and translator from cfg.
func engineOptions(cfg config.Config) ([]flow.Option, error) {
	var opts []flow.Option
	roles := []struct {
		role string
		cfg  config.BackendConfig
	}{
		{genai.RoleInterview, cfg.Interview},
		{genai.RoleCasual, cfg.Casual},
		{genai.RoleCommunity, cfg.Community},
	}
	for _, r := range roles {
		if !r.cfg.Enabled() {
			slog.Debug("main.engineOptions: backend not configured", "role", r.role)
			continue
		}
		b, err := genai.FromConfig(r.role, r.cfg, cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s backend: %w", r.role, err)
		}
		opts = append(opts, flow.WithBackend(r.role, b))
	}
	if cfg.Intent.URL != "" {
		opts = append(opts, flow.WithClassifier(intent.NewHTTPClassifier(cfg.Intent.URL, cfg.Intent.Timeout)))
	}
	if cfg.Translation.URL != "" {
		opts = append(opts, flow.WithTranslator(translate.NewHTTPTranslator(cfg.Translation.URL, cfg.Translation.Timeout)))
	}
	return opts, nil
}

// startRequest is the request used for conversations opened from a chat channel.
func startRequest(c config.ChannelConfig) models.StartConversationRequest {
	return models.StartConversationRequest{
		Persona:       c.DefaultPersona,
		Language:      c.DefaultLanguage,
		JobTitle:      c.DefaultJobTitle,
		HasExperience: c.DefaultExperience,
	}
}

// openChannel connects the enabled chat channel. It returns a nil service when none is enabled.
func openChannel(ctx context.Context, cfg config.Config) (messaging.Service, []api.Option, func(), error) {
	ch := cfg.Channels
	switch {
	case ch.TwilioEnabled:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(ch.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(ch.TwilioAuthToken),
			twiliowhatsapp.WithFromNumber(ch.TwilioFromNumber),
		)
		if err != nil {
			return nil, nil, nil, err
		}
		var opts []messaging.TwilioOption
		if ch.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(ch.TwilioAuthToken, ch.TwilioWebhookURL))
		} else {
			slog.Warn("main.openChannel: no public webhook URL, Twilio signatures are not checked")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, []api.Option{api.WithTwilioWebhook(svc.WebhookHandler)}, func() {}, nil
	case ch.WhatsAppEnabled:
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(whatsAppDSN(cfg))}
		if ch.QRPath != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(ch.QRPath))
		}
		if ch.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, client.Disconnect, nil
	default:
		return nil, nil, func() {}, nil
	}
}

// openLocker returns the Redis turn lock when configured, else an in-process
// lock guarded by the state directory lock.
func openLocker(ctx context.Context, cfg config.Config) (turnlock.Locker, func(), error) {
	if cfg.Redis.Addr != "" {
		locker, rdb, err := turnlock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, turnlock.WithLeaseTTL(cfg.Redis.LockTTL))
		if err != nil {
			return nil, nil, err
		}
		slog.Info("main.openLocker: using redis turn lock", "addr", cfg.Redis.Addr)
		return locker, func() { _ = rdb.Close() }, nil
	}
	inst, err := turnlock.AcquireInstance(cfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	return turnlock.NewLocal(), func() { _ = inst.Release() }, nil
}

// newMaintenance schedules the periodic requeue of stuck replies. An empty
// schedule disables it.
func newMaintenance(ctx context.Context, cfg config.Config, recoverStale scheduler.Task) (*scheduler.Scheduler, error) {
	s := scheduler.New()
	if cfg.Channels.RecoverSchedule == "" {
		slog.Info("main.newMaintenance: stale delivery recovery only runs at startup")
		return s, nil
	}
	if err := s.AddJob(ctx, "recover-stale-deliveries", cfg.Channels.RecoverSchedule, recoverStale); err != nil {
		return nil, err
	}
	return s, nil
}

func run(ctx context.Context, cfg config.Config, flags Flags) error {
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	locker, closeLocker, err := openLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	backend, err := store.Open(databaseDSN(cfg))
	if err != nil {
		return err
	}
	defer backend.Close()

	var bank *questionbank.Bank
	if cfg.QuestionBankPath != "" {
		if bank, err = questionbank.Load(cfg.QuestionBankPath); err != nil {
			return err
		}
		slog.Info("main.run: question bank loaded", "path", cfg.QuestionBankPath, "questions", len(bank.Entries()))
	} else {
		slog.Warn("main.run: no question bank, only casual conversations can start")
	}

	opts, err := engineOptions(cfg)
	if err != nil {
		return err
	}
	engine := flow.NewEngine(cfg, backend, bank, append(opts, flow.WithLocker(locker))...)

	svc, apiOpts, closeChannel, err := openChannel(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open chat channel: %w", err)
	}
	defer closeChannel()

	// everything that can fail is set up before any goroutine starts
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		bridge      *messaging.Bridge
		sender      *store.OutboxSender
		maintenance *scheduler.Scheduler
	)
	if svc != nil {
		bridge = messaging.NewBridge(svc, engine, backend, startRequest(cfg.Channels))
		sender = store.NewOutboxSender(backend, bridge.Send, DefaultOutboxPoll)
		if err := sender.RecoverStale(ctx); err != nil {
			slog.Warn("main.run: stale deliveries not recovered", "error", err)
		}
		if maintenance, err = newMaintenance(runCtx, cfg, sender.RecoverStale); err != nil {
			return err
		}
		if err := svc.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start chat channel: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	server := api.NewServer(engine, apiOpts...)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.APIAddr)
	})
	if svc != nil {
		g.Go(func() error {
			bridge.Run(gctx)
			return nil
		})
		g.Go(func() error {
			sender.Run(gctx)
			return nil
		})
		g.Go(func() error {
			maintenance.Run(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return svc.Stop()
		})
	}

	slog.Info("main.run: DialogPipe started", "api_addr", cfg.APIAddr, "state_dir", cfg.StateDir, "chat_channel", svc != nil, "config", flags.configPath)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
