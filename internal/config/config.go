// Package config holds the immutable configuration of DialogPipe.
//
// A Config is assembled once at process start from defaults, an optional YAML
// file and environment variables, validated, and then passed by value to the
// constructors that need it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	BackendHTTP   = "http"
	BackendOpenAI = "openai"
)

// BackendConfig describes one generative backend.
type BackendConfig struct {
	Kind         string        `yaml:"kind"`
	URL          string        `yaml:"url"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	SystemPrompt string        `yaml:"system_prompt"`
	Language     string        `yaml:"language"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxTokens    int64         `yaml:"max_tokens"`
	Temperature  float64       `yaml:"temperature"`
	Debug        bool          `yaml:"debug"`
}

// Enabled reports whether the backend is configured at all.
func (b BackendConfig) Enabled() bool {
	return b.Kind != "" && (b.URL != "" || b.Kind == BackendOpenAI)
}

// DialogConfig tunes the dialog engine.
type DialogConfig struct {
	Quota             models.Quota         `yaml:"quota"`
	Alternatives      int                  `yaml:"alternatives"`
	SmallTalkEnabled  bool                 `yaml:"small_talk_enabled"`
	MaxTurns          map[models.Block]int `yaml:"max_turns"`
	MaxDialogLength   int                  `yaml:"max_dialog_length"`
	ContextTurns      int                  `yaml:"context_turns"`
	ContextMaxChars   int                  `yaml:"context_max_chars"`
	SmallTalkProgress float64              `yaml:"small_talk_progress"`
	ProgressOffset    float64              `yaml:"progress_offset"`
}

// PhraseConfig holds the scripted lines of the engine.
type PhraseConfig struct {
	Greetings          []string `yaml:"greetings"`
	Farewells          []string `yaml:"farewells"`
	FirstTransition    string   `yaml:"first_transition"`
	RephraseTransition string   `yaml:"rephrase_transition"`
	MoveOnTransition   string   `yaml:"move_on_transition"`
	// Fallbacks replace a casual reply that failed or was rejected.
	Fallbacks          []string `yaml:"fallbacks"`
}

// FilterConfig tunes the reply filters.
type FilterConfig struct {
	RepetitionThreshold float64  `yaml:"repetition_threshold"`
	RepetitionWindow    int      `yaml:"repetition_window"`
	LiesEnabled         bool     `yaml:"lies_enabled"`
	LiesThreshold       float64  `yaml:"lies_threshold"`
	Lies                []string `yaml:"lies"`
	MinLength           int      `yaml:"min_length"`
	WorkingLanguage     string   `yaml:"working_language"`
}

// IntentConfig configures the intent classifier and canned replies.
type IntentConfig struct {
	URL       string            `yaml:"url"`
	Threshold float64           `yaml:"threshold"`
	Timeout   time.Duration     `yaml:"timeout"`
	Replies   map[string]string `yaml:"replies"`
}

// TranslationConfig configures the translation service.
type TranslationConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig configures the distributed turn lock. Empty Addr uses an in-process lock.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// ChannelConfig configures WhatsApp delivery.
type ChannelConfig struct {
	WhatsAppEnabled   bool           `yaml:"whatsapp_enabled"`
	WhatsAppDSN       string         `yaml:"whatsapp_dsn"`
	QRPath            string         `yaml:"qr_path"`
	NumericCode       bool           `yaml:"numeric_code"`
	TwilioEnabled     bool           `yaml:"twilio_enabled"`
	TwilioAccountSID  string         `yaml:"twilio_account_sid"`
	TwilioAuthToken   string         `yaml:"twilio_auth_token"`
	TwilioFromNumber  string         `yaml:"twilio_from_number"`
	TwilioWebhookURL  string         `yaml:"twilio_webhook_url"` // public URL, enables signature checks
	RecoverSchedule   string         `yaml:"recover_schedule"`   // cron expression for requeueing stuck replies
	DefaultPersona    models.Persona `yaml:"default_persona"`
	DefaultLanguage   string         `yaml:"default_language"`
	DefaultJobTitle   string         `yaml:"default_job_title"`
	DefaultExperience bool           `yaml:"default_experience"`
}

// Config is the full process configuration.
type Config struct {
	APIAddr          string `yaml:"api_addr"`
	StateDir         string `yaml:"state_dir"`
	DatabaseDSN      string `yaml:"database_dsn"`
	QuestionBankPath string `yaml:"question_bank"`
	LogLevel         string `yaml:"log_level"`
	OpenAIAPIKey     string `yaml:"openai_api_key"`

	Dialog      DialogConfig      `yaml:"dialog"`
	Phrases     PhraseConfig      `yaml:"phrases"`
	Filters     FilterConfig      `yaml:"filters"`
	Intent      IntentConfig      `yaml:"intent"`
	Translation TranslationConfig `yaml:"translation"`
	Interview   BackendConfig     `yaml:"interview_backend"`
	Casual      BackendConfig     `yaml:"casual_backend"`
	Community   BackendConfig     `yaml:"community_backend"`
	Redis       RedisConfig       `yaml:"redis"`
	Channels    ChannelConfig     `yaml:"channels"`
}

// Errors returned by Validate.
var (
	ErrInvalidQuota     = errors.New("quota counters must be non-negative")
	ErrInvalidMaxTurns  = errors.New("block max turns must be positive")
	ErrInvalidThreshold = errors.New("filter and intent thresholds must be within [0,1]")
	ErrMissingPhrases   = errors.New("at least one greeting and one farewell are required")
	ErrMissingBackend   = errors.New("interview and casual backends must be configured")
	ErrInvalidProgress  = errors.New("progress constants must be within [0,1)")
	ErrInvalidContext   = errors.New("context turns and length must be positive")
	ErrChannelConflict  = errors.New("at most one of whatsapp and twilio can be enabled")
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIAddr:  DefaultAPIAddr,
		StateDir: DefaultStateDir,
		LogLevel: "info",
		Dialog: DialogConfig{
			Quota:            models.Quota{Always: 1, Personal: 1, Job: 2, Random: 1},
			SmallTalkEnabled: true,
			MaxTurns: map[models.Block]int{
				models.BlockSmallTalk: 2,
				models.BlockTough:     2,
				models.BlockPersonal:  2,
				models.BlockJob:       2,
				models.BlockGeneral:   1,
			},
			MaxDialogLength:   10,
			ContextTurns:      4,
			ContextMaxChars:   1000,
			SmallTalkProgress: 0.05,
			ProgressOffset:    0.01,
		},
		Phrases: PhraseConfig{
			Greetings:          []string{"Hello! I'm glad you could make it today."},
			Farewells:          []string{"Thank you for your time. Goodbye!", "That's all from me. Have a great day!"},
			FirstTransition:    "Let's get started with the interview.",
			RephraseTransition: "Let me rephrase that.",
			MoveOnTransition:   "I think you didn't understand, so let's move on.",
			Fallbacks:          []string{"Interesting, tell me more.", "I see. What else is on your mind?"},
		},
		Filters: FilterConfig{
			RepetitionThreshold: 0.9,
			RepetitionWindow:    10,
			LiesEnabled:         true,
			LiesThreshold:       0.9,
			Lies: []string{
				"I am a human.",
				"I have a family.",
				"I work as a recruiter at this company.",
			},
			MinLength:       8,
			WorkingLanguage: models.DefaultLanguage,
		},
		Intent: IntentConfig{
			Threshold: 0.8,
			Timeout:   800 * time.Millisecond,
			Replies: map[string]string{
				"not_understood": "Sorry, could you say that again in other words?",
				"ask_identity":   "I'm a virtual assistant here to help you practise.",
				"ask_wellbeing":  "I'm doing well, thank you for asking!",
				"ask_help":       "Just answer as you would in a real conversation. There are no wrong answers.",
				"offensive":      "Let's keep our conversation respectful, please.",
			},
		},
		Translation: TranslationConfig{Timeout: 5 * time.Second},
		Interview:   BackendConfig{Kind: BackendOpenAI, Model: "gpt-4o-mini", Language: models.DefaultLanguage, Timeout: 15 * time.Second, MaxTokens: 120, Temperature: 0.7},
		Casual:      BackendConfig{Kind: BackendOpenAI, Model: "gpt-4o-mini", Language: models.DefaultLanguage, Timeout: 15 * time.Second, MaxTokens: 80, Temperature: 0.9},
		Redis:       RedisConfig{LockTTL: 60 * time.Second},
		Channels: ChannelConfig{
			DefaultPersona:  models.PersonaInterview,
			DefaultLanguage: models.DefaultLanguage,
			RecoverSchedule: "*/5 * * * *",
		},
	}
}

// Default locations.
const (
	DefaultAPIAddr  = ":8080"
	DefaultStateDir = "/var/lib/dialogpipe"
)

// LoadFile overlays the YAML document at path onto base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	slog.Debug("config.LoadFile: configuration file applied", "path", path)
	return cfg, nil
}

// MaxTurnsFor returns the configured turn budget of block, falling back to one turn.
func (c Config) MaxTurnsFor(b models.Block) int {
	if n, ok := c.Dialog.MaxTurns[b]; ok {
		return n
	}
	return 1
}

// Validate checks the configuration once at startup.
func (c Config) Validate() error {
	if !c.Dialog.Quota.Valid() {
		return ErrInvalidQuota
	}
	for b, n := range c.Dialog.MaxTurns {
		if !b.IsValid() || n < 0 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidMaxTurns, b, n)
		}
	}
	if c.Dialog.MaxDialogLength < 1 {
		return fmt.Errorf("%w: max_dialog_length=%d", ErrInvalidMaxTurns, c.Dialog.MaxDialogLength)
	}
	if c.Dialog.ContextTurns < 1 || c.Dialog.ContextMaxChars < 1 {
		return ErrInvalidContext
	}
	if !unit(c.Filters.RepetitionThreshold) || !unit(c.Filters.LiesThreshold) || !unit(c.Intent.Threshold) {
		return ErrInvalidThreshold
	}
	if c.Dialog.SmallTalkProgress < 0 || c.Dialog.SmallTalkProgress >= 1 || c.Dialog.ProgressOffset < 0 || c.Dialog.ProgressOffset >= 1 {
		return ErrInvalidProgress
	}
	if len(c.Phrases.Greetings) == 0 || len(c.Phrases.Farewells) == 0 {
		return ErrMissingPhrases
	}
	if !c.Interview.Enabled() || !c.Casual.Enabled() {
		return ErrMissingBackend
	}
	if c.Channels.WhatsAppEnabled && c.Channels.TwilioEnabled {
		return ErrChannelConflict
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}
