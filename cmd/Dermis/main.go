package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/Dermis/internal/api"
	"github.com/BTreeMap/Dermis/internal/genai"
	"github.com/BTreeMap/Dermis/internal/lockfile"
	"github.com/BTreeMap/Dermis/internal/notify"
	"github.com/BTreeMap/Dermis/internal/onboarding"
	"github.com/BTreeMap/Dermis/internal/store"
	"github.com/BTreeMap/Dermis/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Dermis state data
	DefaultStateDir = "/var/lib/dermis"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "dermis.db"
)

var logLevel = new(slog.LevelVar)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if *flags.debug {
		logLevel.Set(slog.LevelDebug)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir, lockfile.WithAddr(*flags.apiAddr))
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			slog.Error("Another Dermis instance is using the state directory", "lock_path", lockErr.LockPath, "holder_pid", lockErr.Holder.PID)
		} else {
			slog.Error("Failed to acquire state directory lock", "error", err)
		}
		os.Exit(1)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}()

	profile, err := buildProfile(flags)
	if err != nil {
		slog.Error("Failed to load endpoint profile", "error", err)
		lock.Release()
		os.Exit(1)
	}

	cfg := api.Config{
		Profile:  profile,
		StateDir: *flags.stateDir,
		Store:    buildStoreOptions(flags),
		GenAI:    buildGenAIOptions(flags),
		Notify:   buildNotifyOptions(flags),
		API:      buildAPIOptions(flags),
	}

	slog.Info("Bootstrapping Dermis with configured modules")
	slog.Debug("Module options counts", "store", len(cfg.Store), "genai", len(cfg.GenAI), "notify", len(cfg.Notify), "api", len(cfg.API))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "profile", *flags.profile)
	if err := api.Run(cfg); err != nil {
		slog.Error("Dermis failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("Dermis exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL  string
	StateDir     string
	APIAddr      string
	ProfilePath  string
	InferenceURL string
	UsersURL     string
	SynthesisURL string
	RoutinesURL  string
	OpenAIKey    string
	TwilioSID    string
	TwilioToken  string
	TwilioFrom   string
	Retention    time.Duration
	PruneCron    string
	Origins      string
	Debug        bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	apiAddr      *string
	profile      *string
	inferenceURL *string
	usersURL     *string
	synthesisURL *string
	routinesURL  *string
	openaiKey    *string
	twilioSID    *string
	twilioToken  *string
	twilioFrom   *string
	retention    *time.Duration
	pruneCron    *string
	origins      *string
	debug        *bool
}

// initializeLogger sets up structured logging; the level is raised to debug by DERMIS_DEBUG.
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StateDir:     os.Getenv("DERMIS_STATE_DIR"),
		APIAddr:      os.Getenv("API_ADDR"),
		ProfilePath:  os.Getenv("DERMIS_PROFILE"),
		InferenceURL: os.Getenv("INFERENCE_BASE_URL"),
		UsersURL:     os.Getenv("USERS_BASE_URL"),
		SynthesisURL: os.Getenv("SYNTHESIS_BASE_URL"),
		RoutinesURL:  os.Getenv("ROUTINES_BASE_URL"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		TwilioSID:    os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:   os.Getenv("TWILIO_FROM_NUMBER"),
		Retention:    util.ParseDurationEnv("UPLOAD_RETENTION", api.DefaultUploadRetention),
		PruneCron:    util.GetenvDefault("PRUNE_SCHEDULE", api.DefaultPruneSchedule),
		Origins:      os.Getenv("ALLOWED_ORIGINS"),
		Debug:        util.ParseBoolEnv("DERMIS_DEBUG", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No DERMIS_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Without a database URL the SQLite file lives in the state directory.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"DERMIS_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"DERMIS_PROFILE", config.ProfilePath,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"UPLOAD_RETENTION", config.Retention,
		"PRUNE_SCHEDULE", config.PruneCron,
		"DERMIS_DEBUG", config.Debug)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:     fs.String("state-dir", config.StateDir, "state directory for Dermis data (overrides $DERMIS_STATE_DIR)"),
		dbDSN:        fs.String("db-dsn", config.DatabaseURL, "database DSN or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:      fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		profile:      fs.String("profile", config.ProfilePath, "endpoint profile YAML file (overrides $DERMIS_PROFILE)"),
		inferenceURL: fs.String("inference-url", config.InferenceURL, "inference service base URL (overrides $INFERENCE_BASE_URL)"),
		usersURL:     fs.String("users-url", config.UsersURL, "user-record service base URL (overrides $USERS_BASE_URL)"),
		synthesisURL: fs.String("synthesis-url", config.SynthesisURL, "synthesis service base URL (overrides $SYNTHESIS_BASE_URL)"),
		routinesURL:  fs.String("routines-url", config.RoutinesURL, "routines service base URL (overrides $ROUTINES_BASE_URL)"),
		openaiKey:    fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		twilioSID:    fs.String("twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:  fs.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:   fs.String("twilio-from", config.TwilioFrom, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)"),
		retention:    fs.Duration("upload-retention", config.Retention, "how long captured images are kept (overrides $UPLOAD_RETENTION)"),
		pruneCron:    fs.String("prune-schedule", config.PruneCron, "cron expression for upload pruning (overrides $PRUNE_SCHEDULE)"),
		origins:      fs.String("allowed-origins", config.Origins, "comma-separated websocket origins (overrides $ALLOWED_ORIGINS)"),
		debug:        fs.Bool("debug", config.Debug, "debug logging and GenAI request dumps (overrides $DERMIS_DEBUG)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Warn("failed to parse flags", "error", err)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"profile", *flags.profile,
		"openaiKeySet", *flags.openaiKey != "",
		"twilioSet", *flags.twilioSID != "",
		"debug", *flags.debug)

	// Follow a state directory given on the command line when the DSN is the default SQLite path.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates the state directory and, for SQLite, the database directory.
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0o755); err != nil {
		return err
	}
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating directory for file-based database", "db_dir", dbDir)
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// buildProfile loads the endpoint profile and applies URL overrides.
func buildProfile(flags Flags) (onboarding.Profile, error) {
	profile := onboarding.DefaultProfile()
	if *flags.profile != "" {
		var err error
		profile, err = onboarding.LoadProfile(*flags.profile)
		if err != nil {
			return profile, err
		}
		slog.Debug("Loaded endpoint profile", "path", *flags.profile)
	}
	overrides := []struct {
		value  string
		target *string
	}{
		{*flags.inferenceURL, &profile.InferenceBaseURL},
		{*flags.usersURL, &profile.UsersBaseURL},
		{*flags.synthesisURL, &profile.SynthesisBaseURL},
		{*flags.routinesURL, &profile.RoutinesBaseURL},
	}
	for _, o := range overrides {
		if o.value != "" {
			*o.target = o.value
		}
	}
	return profile, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.debug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return genaiOpts
}

// buildNotifyOptions constructs SMS configuration options
func buildNotifyOptions(flags Flags) []notify.Option {
	var notifyOpts []notify.Option
	if *flags.twilioSID != "" {
		notifyOpts = append(notifyOpts, notify.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		notifyOpts = append(notifyOpts, notify.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		notifyOpts = append(notifyOpts, notify.WithFromNumber(*flags.twilioFrom))
	}
	return notifyOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithUploadDir(filepath.Join(*flags.stateDir, "uploads")),
		api.WithUploadRetention(*flags.retention, *flags.pruneCron),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if origins := splitList(*flags.origins); len(origins) > 0 {
		apiOpts = append(apiOpts, api.WithAllowedOrigins(origins...))
	}
	return apiOpts
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
