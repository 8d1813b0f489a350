package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/DialogPipe/internal/config"
	"github.com/BTreeMap/DialogPipe/internal/messaging"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/turnlock"
)

func TestParseCommandLineFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f, err := parseCommandLineFlags(fs, []string{"-state-dir", "/tmp/dp", "-db-dsn", "memory", "-numeric-code", "-log-level", "debug"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.stateDir != "/tmp/dp" || f.dbDSN != "memory" || !f.numeric || f.logLevel != "debug" {
		t.Errorf("unexpected flags: %+v", f)
	}

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := parseCommandLineFlags(fs, []string{"-no-such-flag"}); err == nil {
		t.Error("expected an error for an unknown flag")
	}
}

func TestApplyFlagsKeepsUnsetValues(t *testing.T) {
	cfg := config.Default()
	cfg.DatabaseDSN = "postgres://db/dialogpipe"
	got := applyFlags(cfg, Flags{apiAddr: ":9000", qrOutput: "/tmp/qr.txt"})

	if got.APIAddr != ":9000" {
		t.Errorf("APIAddr = %q", got.APIAddr)
	}
	if got.DatabaseDSN != "postgres://db/dialogpipe" {
		t.Errorf("unset flag overwrote DatabaseDSN: %q", got.DatabaseDSN)
	}
	if got.Channels.QRPath != "/tmp/qr.txt" || got.Channels.NumericCode {
		t.Errorf("unexpected channel settings: %+v", got.Channels)
	}
}

func TestDefaultDSNs(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = "/srv/dialogpipe"

	if got := databaseDSN(cfg); got != filepath.Join("/srv/dialogpipe", DefaultDBFileName) {
		t.Errorf("databaseDSN = %q", got)
	}
	if got := whatsAppDSN(cfg); got != "file:/srv/dialogpipe/whatsmeow.db?_foreign_keys=on" {
		t.Errorf("whatsAppDSN = %q", got)
	}

	cfg.DatabaseDSN = "memory"
	cfg.Channels.WhatsAppDSN = "postgres://db/whatsmeow"
	if databaseDSN(cfg) != "memory" || whatsAppDSN(cfg) != "postgres://db/whatsmeow" {
		t.Error("explicit DSNs must be kept")
	}
}

func TestInitializeLogger(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	initializeLogger(&buf, "warn")
	slog.Info("hidden")
	slog.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected log output %q", buf.String())
	}

	buf.Reset()
	initializeLogger(&buf, "chatty")
	slog.Info("info is the fallback level")
	if !strings.Contains(buf.String(), "fallback") {
		t.Errorf("invalid level should fall back to info, got %q", buf.String())
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Interview = config.BackendConfig{Kind: config.BackendHTTP, URL: "http://interview.local"}
	cfg.Casual = config.BackendConfig{Kind: config.BackendHTTP, URL: "http://casual.local"}
	cfg.Intent.URL = "http://intent.local"
	opts, err := engineOptions(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// two backends and the classifier
	if len(opts) != 3 {
		t.Errorf("expected 3 engine options, got %d", len(opts))
	}

	cfg.Community = config.BackendConfig{Kind: "carrier-pigeon", URL: "http://x"}
	if _, err := engineOptions(cfg); err == nil {
		t.Error("expected an error for an unknown backend kind")
	}
}

func TestStartRequest(t *testing.T) {
	req := startRequest(config.ChannelConfig{DefaultPersona: models.PersonaInterview, DefaultLanguage: "fr", DefaultJobTitle: "Plumber", DefaultExperience: true})
	want := models.StartConversationRequest{Persona: models.PersonaInterview, Language: "fr", JobTitle: "Plumber", HasExperience: true}
	if req.Persona != want.Persona || req.Language != want.Language || req.JobTitle != want.JobTitle || !req.HasExperience {
		t.Errorf("startRequest = %+v, want %+v", req, want)
	}
}

func TestOpenChannel(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	svc, apiOpts, closeFn, err := openChannel(ctx, cfg)
	if err != nil || svc != nil || len(apiOpts) != 0 {
		t.Fatalf("no channel expected, got %v %v %v", svc, apiOpts, err)
	}
	closeFn()

	cfg.Channels.TwilioEnabled = true
	if _, _, _, err := openChannel(ctx, cfg); err == nil {
		t.Error("expected an error without Twilio credentials")
	}

	cfg.Channels.TwilioAccountSID = "AC123"
	cfg.Channels.TwilioAuthToken = "secret"
	cfg.Channels.TwilioFromNumber = "+15550009"
	cfg.Channels.TwilioWebhookURL = "https://dialogpipe.example.com/twilio/webhook"
	svc, apiOpts, _, err = openChannel(ctx, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := svc.(*messaging.TwilioService); !ok || len(apiOpts) != 1 {
		t.Errorf("expected a Twilio service with its webhook, got %T and %d options", svc, len(apiOpts))
	}
}

func TestOpenLockerHoldsStateDir(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	ctx := context.Background()

	locker, release, err := openLocker(ctx, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := locker.(*turnlock.Local); !ok {
		t.Errorf("expected an in-process lock, got %T", locker)
	}
	if _, _, err := openLocker(ctx, cfg); err == nil {
		t.Error("a second instance on the same state directory must be refused")
	}
	release()
	_, again, err := openLocker(ctx, cfg)
	if err != nil {
		t.Fatalf("state directory should be free after release: %v", err)
	}
	again()
}

func TestNewMaintenance(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	noop := func(context.Context) error { return nil }

	s, err := newMaintenance(ctx, cfg, noop)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.Next("recover-stale-deliveries"); !ok {
		t.Error("default configuration should schedule stale delivery recovery")
	}

	cfg.Channels.RecoverSchedule = ""
	s, err = newMaintenance(ctx, cfg, noop)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.Next("recover-stale-deliveries"); ok {
		t.Error("an empty schedule should disable the job")
	}

	cfg.Channels.RecoverSchedule = "whenever"
	if _, err := newMaintenance(ctx, cfg, noop); err == nil {
		t.Error("expected an error for an invalid schedule")
	}
}

func TestRunSetupFailureLeavesNothingServing(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.DatabaseDSN = "memory"
	cfg.APIAddr = addr
	cfg.Interview = config.BackendConfig{Kind: config.BackendHTTP, URL: "http://interview.local"}
	cfg.Casual = config.BackendConfig{Kind: config.BackendHTTP, URL: "http://casual.local"}
	cfg.Channels.TwilioEnabled = true
	cfg.Channels.TwilioAccountSID = "AC123"
	cfg.Channels.TwilioAuthToken = "secret"
	cfg.Channels.TwilioFromNumber = "+15550009"
	cfg.Channels.RecoverSchedule = "whenever"

	if err := run(context.Background(), cfg, Flags{}); err == nil {
		t.Fatal("expected run to fail on an invalid recover schedule")
	}
	again, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("API address still in use after a failed start: %v", err)
	}
	again.Close()
}
