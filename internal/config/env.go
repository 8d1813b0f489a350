package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/BTreeMap/DialogPipe/internal/util"
)

// Environment variable names.
const (
	EnvConfigFile      = "DIALOGPIPE_CONFIG"
	EnvAPIAddr         = "API_ADDR"
	EnvStateDir        = "DIALOGPIPE_STATE_DIR"
	EnvDatabaseURL     = "DATABASE_URL"
	EnvQuestionBank    = "DIALOGPIPE_QUESTION_BANK"
	EnvLogLevel        = "DIALOGPIPE_LOG_LEVEL"
	EnvOpenAIKey       = "OPENAI_API_KEY"
	EnvInterviewURL    = "INTERVIEW_BACKEND_URL"
	EnvCasualURL       = "CASUAL_BACKEND_URL"
	EnvCommunityURL    = "COMMUNITY_BACKEND_URL"
	EnvIntentURL       = "INTENT_CLASSIFIER_URL"
	EnvTranslationURL  = "TRANSLATION_URL"
	EnvRedisAddr       = "REDIS_ADDR"
	EnvRedisPassword   = "REDIS_PASSWORD"
	EnvRedisDB         = "REDIS_DB"
	EnvSmallTalk       = "DIALOGPIPE_SMALL_TALK"
	EnvLiesFilter      = "DIALOGPIPE_LIES_FILTER"
	EnvWhatsAppEnabled = "WHATSAPP_ENABLED"
	EnvWhatsAppDSN     = "WHATSAPP_DB_DSN"
	EnvTwilioEnabled   = "TWILIO_ENABLED"
	EnvTwilioSID       = "TWILIO_ACCOUNT_SID"
	EnvTwilioToken     = "TWILIO_AUTH_TOKEN"
	EnvTwilioFrom      = "TWILIO_FROM_NUMBER"
	EnvTwilioWebhook   = "TWILIO_WEBHOOK_URL"
)

// ApplyEnv overlays environment variables onto cfg. getenv is usually os.Getenv.
func ApplyEnv(cfg Config, getenv func(string) string) Config {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	backendURL := func(key string, b *BackendConfig) {
		if v := getenv(key); v != "" {
			b.Kind = BackendHTTP
			b.URL = v
		}
	}

	str(EnvAPIAddr, &cfg.APIAddr)
	str(EnvStateDir, &cfg.StateDir)
	str(EnvDatabaseURL, &cfg.DatabaseDSN)
	str(EnvQuestionBank, &cfg.QuestionBankPath)
	str(EnvLogLevel, &cfg.LogLevel)
	str(EnvOpenAIKey, &cfg.OpenAIAPIKey)
	str(EnvIntentURL, &cfg.Intent.URL)
	str(EnvTranslationURL, &cfg.Translation.URL)
	backendURL(EnvInterviewURL, &cfg.Interview)
	backendURL(EnvCasualURL, &cfg.Casual)
	backendURL(EnvCommunityURL, &cfg.Community)

	str(EnvRedisAddr, &cfg.Redis.Addr)
	str(EnvRedisPassword, &cfg.Redis.Password)
	if v := getenv(EnvRedisDB); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		} else {
			slog.Warn("config.ApplyEnv: invalid redis db, keeping default", "value", v, "default", cfg.Redis.DB)
		}
	}

	cfg.Dialog.SmallTalkEnabled = util.ParseBool(getenv(EnvSmallTalk), cfg.Dialog.SmallTalkEnabled)
	cfg.Filters.LiesEnabled = util.ParseBool(getenv(EnvLiesFilter), cfg.Filters.LiesEnabled)
	cfg.Channels.WhatsAppEnabled = util.ParseBool(getenv(EnvWhatsAppEnabled), cfg.Channels.WhatsAppEnabled)
	cfg.Channels.TwilioEnabled = util.ParseBool(getenv(EnvTwilioEnabled), cfg.Channels.TwilioEnabled)
	str(EnvWhatsAppDSN, &cfg.Channels.WhatsAppDSN)
	str(EnvTwilioSID, &cfg.Channels.TwilioAccountSID)
	str(EnvTwilioToken, &cfg.Channels.TwilioAuthToken)
	str(EnvTwilioFrom, &cfg.Channels.TwilioFromNumber)
	str(EnvTwilioWebhook, &cfg.Channels.TwilioWebhookURL)

	if cfg.Interview.APIKey == "" {
		cfg.Interview.APIKey = cfg.OpenAIAPIKey
	}
	if cfg.Casual.APIKey == "" {
		cfg.Casual.APIKey = cfg.OpenAIAPIKey
	}

	slog.Debug("config.ApplyEnv: environment applied",
		"api_addr", cfg.APIAddr,
		"state_dir", cfg.StateDir,
		"database_dsn_set", cfg.DatabaseDSN != "",
		"question_bank", cfg.QuestionBankPath,
		"openai_key_set", cfg.OpenAIAPIKey != "",
		"intent_url_set", cfg.Intent.URL != "",
		"translation_url_set", cfg.Translation.URL != "",
		"redis_set", cfg.Redis.Addr != "",
		"whatsapp", cfg.Channels.WhatsAppEnabled,
		"twilio", cfg.Channels.TwilioEnabled)
	return cfg
}

// Load builds the configuration from defaults, the optional file named by
// $DIALOGPIPE_CONFIG (or path when non-empty) and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		var err error
		cfg, err = LoadFile(path, cfg)
		if err != nil {
			return cfg, err
		}
	}
	return ApplyEnv(cfg, os.Getenv), nil
}
