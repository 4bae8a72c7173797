package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/chatsync/internal/client"
	"github.com/joescharf/chatsync/internal/engine"
	"github.com/joescharf/chatsync/internal/llm"
	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/output"
	"github.com/joescharf/chatsync/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chatsync - drive coding-assistant sessions from the terminal",
	Long: `chatsync keeps a local, live copy of the sessions on a coding-assistant
server. It streams the server's events, shows prompts the moment they are
sent, answers permission and question requests, and exposes the synchronized
state over a local REST API and an MCP tool server.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/chatsync/config.yaml)")
	rootCmd.PersistentFlags().String("server", "", "Server URL (default http://127.0.0.1:4096)")
	rootCmd.PersistentFlags().String("dir", "", "Working directory sessions are scoped to (default: current directory)")
	_ = viper.BindPFlag("server.url", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("server.directory", rootCmd.PersistentFlags().Lookup("dir"))
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "chatsync")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	bindEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "chatsync"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// bindEnv maps every key to a CHATSYNC_ variable, e.g. batch.window to
// CHATSYNC_BATCH_WINDOW.
func bindEnv() {
	viper.SetEnvPrefix("CHATSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// setDefaults registers every config key's default relative to stateDir.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("server.url", "http://127.0.0.1:4096")
	viper.SetDefault("server.directory", "")
	viper.SetDefault("server.timeout", client.DefaultTimeout)
	viper.SetDefault("batch.window", "16ms")
	viper.SetDefault("model.provider", "")
	viper.SetDefault("model.id", "")
	viper.SetDefault("model.variant", "")
	viper.SetDefault("agent", "")
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.path", filepath.Join(stateDir, "cache.db"))
	viper.SetDefault("permissions.auto_accept", false)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("port", 8787)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Initialize store lazily, only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// rootRun handles `chatsync` with no subcommand: list sessions when the
// server is reachable, otherwise show help.
func rootRun(cmd *cobra.Command) error {
	if err := sessionListRun(false); err != nil {
		ui.VerboseLog("server unavailable: %v", err)
		return cmd.Help()
	}
	return nil
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("cache.path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// workDir returns the directory sessions are scoped to.
func workDir() (string, error) {
	if dir := viper.GetString("server.directory"); dir != "" {
		return filepath.Abs(dir)
	}
	return os.Getwd()
}

// modelSelection builds the send-time model selection from config.
func modelSelection() models.ModelSelection {
	return models.ModelSelection{
		Model: models.ModelRef{
			ProviderID: viper.GetString("model.provider"),
			ModelID:    viper.GetString("model.id"),
		},
		Variant: viper.GetString("model.variant"),
		Agent:   viper.GetString("agent"),
	}
}

// newClient builds the HTTP client for the configured server.
func newClient(dir string) *client.Client {
	return client.New(viper.GetString("server.url"), dir,
		client.WithTimeout(viper.GetDuration("server.timeout")),
		client.WithLogger(slog.Default()),
	)
}

// newEngine builds an engine for the configured server and connects it.
// The returned close function disconnects and releases the cache.
func newEngine(ctx context.Context) (*engine.Engine, func(), error) {
	dir, err := workDir()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve directory: %w", err)
	}

	opts := engine.Options{
		Directory: dir,
		Window:    viper.GetDuration("batch.window"),
		Model:     modelSelection(),
		Logger:    slog.Default(),
	}
	if viper.GetBool("cache.enabled") {
		s, err := getStore()
		if err != nil {
			ui.Warning("Cache disabled: %v", err)
		} else {
			opts.Cache = s
		}
	}

	e := engine.New(newClient(dir), opts)
	closeFn := func() {
		e.Close()
		if dataStore != nil {
			_ = dataStore.Close()
			dataStore = nil
		}
	}

	ui.VerboseLog("Connecting to %s (directory %s)", viper.GetString("server.url"), dir)
	if err := e.Connect(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return e, closeFn, nil
}

// newLLM returns the title-suggestion client, or nil without an API key.
func newLLM() *llm.Client {
	key := viper.GetString("anthropic.api_key")
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		return nil
	}
	return llm.NewClient(key, viper.GetString("anthropic.model"))
}
