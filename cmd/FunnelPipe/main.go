package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/FunnelPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FunnelPipe state data
	DefaultStateDir = "/var/lib/funnelpipe"
	// DefaultWhatsAppDBFileName is the whatsmeow session database inside the state directory
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultTransport is used when TRANSPORT is unset
	DefaultTransport = "none"
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FunnelPipe", "transport", *flags.transport, "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("FunnelPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FunnelPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseURL   string
	CatalogDSN    string
	CatalogFile   string
	PolicyFile    string
	PromptFile    string
	OpenAIKey     string
	OpenAIModel   string
	GenAIDebug    bool
	APIAddr       string
	Transport     string
	WhatsAppDSN   string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	TwilioHookURL string
	AMQPURL       string
	LogLevel      string
	MaxInFlight   int
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	databaseURL   *string
	catalogDSN    *string
	catalogFile   *string
	policyFile    *string
	promptFile    *string
	openaiKey     *string
	openaiModel   *string
	genaiDebug    *bool
	apiAddr       *string
	transport     *string
	whatsappDSN   *string
	qrOutput      *string
	numeric       *bool
	twilioSID     *string
	twilioToken   *string
	twilioFrom    *string
	twilioHookURL *string
	amqpURL       *string
	logLevel      *string
	maxInFlight   *int
}

// initializeLogger installs a text slog handler at the requested level.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:      util.EnvOr("FUNNELPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		CatalogDSN:    os.Getenv("CATALOG_DSN"),
		CatalogFile:   os.Getenv("CATALOG_FILE"),
		PolicyFile:    os.Getenv("POLICY_FILE"),
		PromptFile:    os.Getenv("SYSTEM_PROMPT_FILE"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		GenAIDebug:    util.ParseBoolEnv("GENAI_DEBUG", false),
		APIAddr:       util.EnvOr("API_ADDR", ":8080"),
		Transport:     strings.ToLower(util.EnvOr("TRANSPORT", DefaultTransport)),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioHookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		AMQPURL:       os.Getenv("AMQP_URL"),
		LogLevel:      util.EnvOr("LOG_LEVEL", "info"),
		MaxInFlight:   util.ParseIntEnv("MAX_IN_FLIGHT", 32),
	}

	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = defaultWhatsAppDSN(config.StateDir)
	}
	// The catalog shares the application database unless given its own.
	if config.CatalogDSN == "" && config.CatalogFile == "" {
		config.CatalogDSN = config.DatabaseURL
	}

	slog.Debug("environment variables loaded",
		"FUNNELPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CATALOG_DSN_SET", config.CatalogDSN != "",
		"CATALOG_FILE", config.CatalogFile,
		"POLICY_FILE", config.PolicyFile,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TRANSPORT", config.Transport,
		"AMQP_URL_SET", config.AMQPURL != "")
	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], config)
}

func parseFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for FunnelPipe data (overrides $FUNNELPIPE_STATE_DIR)"),
		databaseURL:   fs.String("database-url", config.DatabaseURL, "lead store DSN, SQLite path or PostgreSQL URL; empty uses files in the state dir (overrides $DATABASE_URL)"),
		catalogDSN:    fs.String("catalog-dsn", config.CatalogDSN, "course catalog database DSN (overrides $CATALOG_DSN)"),
		catalogFile:   fs.String("catalog-file", config.CatalogFile, "course catalog YAML file (overrides $CATALOG_FILE)"),
		policyFile:    fs.String("policy-file", config.PolicyFile, "funnel policy YAML file (overrides $POLICY_FILE)"),
		promptFile:    fs.String("system-prompt-file", config.PromptFile, "sales system prompt file (overrides $SYSTEM_PROMPT_FILE)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:   fs.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		genaiDebug:    fs.Bool("genai-debug", config.GenAIDebug, "write every model request under <state-dir>/debug (overrides $GENAI_DEBUG)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		transport:     fs.String("transport", config.Transport, "chat transport: whatsapp, twilio or none (overrides $TRANSPORT)"),
		whatsappDSN:   fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session store DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		twilioSID:     fs.String("twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:   fs.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:    fs.String("twilio-from", config.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
		twilioHookURL: fs.String("twilio-webhook-url", config.TwilioHookURL, "public webhook URL; enables signature checks (overrides $TWILIO_WEBHOOK_URL)"),
		amqpURL:       fs.String("amqp-url", config.AMQPURL, "RabbitMQ URL for advisor handoff events (overrides $AMQP_URL)"),
		logLevel:      fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)"),
		maxInFlight:   fs.Int("max-in-flight", config.MaxInFlight, "concurrently processed inbound messages (overrides $MAX_IN_FLIGHT)"),
	}
	if err := fs.Parse(args); err != nil {
		slog.Warn("flag parsing failed", "error", err)
	}

	// Follow an overridden state dir unless the session DSN was set explicitly.
	if *flags.whatsappDSN == defaultWhatsAppDSN(config.StateDir) && *flags.stateDir != config.StateDir {
		*flags.whatsappDSN = defaultWhatsAppDSN(*flags.stateDir)
	}
	*flags.transport = strings.ToLower(*flags.transport)
	return flags
}
