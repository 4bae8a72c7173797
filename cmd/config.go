package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "chatsync"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage chatsync configuration.

Running bare 'chatsync config' is the same as 'chatsync config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# chatsync configuration
# See: chatsync config show (for effective values and sources)

# State directory for the cache and serve daemon files (default: ~/.config/chatsync)
# state_dir: {{ .StateDir }}

# Assistant server
server:
  # Base URL of the server (default: http://127.0.0.1:4096)
  url: "{{ .ServerURL }}"

  # Directory sessions are scoped to (default: current directory)
  directory: "{{ .ServerDirectory }}"

  # Request timeout for non-streaming calls
  timeout: {{ .ServerTimeout }}

# Streaming part updates are coalesced for this long before they are applied
batch:
  window: {{ .BatchWindow }}

# Model used for prompts; empty fields use the server's default
model:
  provider: "{{ .ModelProvider }}"
  id: "{{ .ModelID }}"
  variant: "{{ .ModelVariant }}"

# Agent used for prompts (default: server default)
agent: "{{ .Agent }}"

# Local cache of sessions and messages
cache:
  enabled: {{ .CacheEnabled }}
  # path: {{ .CachePath }}

permissions:
  # Accept edit and write permission requests without asking (default: false)
  auto_accept: {{ .AutoAccept }}

# Title suggestions (key may also come from ANTHROPIC_API_KEY)
anthropic:
  api_key: ""
  model: "{{ .AnthropicModel }}"

# Port for 'chatsync serve' (default: 8787)
port: {{ .Port }}
`

type configTemplateData struct {
	StateDir        string
	ServerURL       string
	ServerDirectory string
	ServerTimeout   string
	BatchWindow     string
	ModelProvider   string
	ModelID         string
	ModelVariant    string
	Agent           string
	CacheEnabled    bool
	CachePath       string
	AutoAccept      bool
	AnthropicModel  string
	Port            int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:        viper.GetString("state_dir"),
		ServerURL:       viper.GetString("server.url"),
		ServerDirectory: viper.GetString("server.directory"),
		ServerTimeout:   viper.GetDuration("server.timeout").String(),
		BatchWindow:     viper.GetDuration("batch.window").String(),
		ModelProvider:   viper.GetString("model.provider"),
		ModelID:         viper.GetString("model.id"),
		ModelVariant:    viper.GetString("model.variant"),
		Agent:           viper.GetString("agent"),
		CacheEnabled:    viper.GetBool("cache.enabled"),
		CachePath:       viper.GetString("cache.path"),
		AutoAccept:      viper.GetBool("permissions.auto_accept"),
		AnthropicModel:  viper.GetString("anthropic.model"),
		Port:            viper.GetInt("port"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "CHATSYNC_STATE_DIR"},
	{Key: "server.url", EnvVar: "CHATSYNC_SERVER_URL"},
	{Key: "server.directory", EnvVar: "CHATSYNC_SERVER_DIRECTORY"},
	{Key: "server.timeout", EnvVar: "CHATSYNC_SERVER_TIMEOUT"},
	{Key: "batch.window", EnvVar: "CHATSYNC_BATCH_WINDOW"},
	{Key: "model.provider", EnvVar: "CHATSYNC_MODEL_PROVIDER"},
	{Key: "model.id", EnvVar: "CHATSYNC_MODEL_ID"},
	{Key: "model.variant", EnvVar: "CHATSYNC_MODEL_VARIANT"},
	{Key: "agent", EnvVar: "CHATSYNC_AGENT"},
	{Key: "cache.enabled", EnvVar: "CHATSYNC_CACHE_ENABLED"},
	{Key: "cache.path", EnvVar: "CHATSYNC_CACHE_PATH"},
	{Key: "permissions.auto_accept", EnvVar: "CHATSYNC_PERMISSIONS_AUTO_ACCEPT"},
	{Key: "anthropic.model", EnvVar: "CHATSYNC_ANTHROPIC_MODEL"},
	{Key: "port", EnvVar: "CHATSYNC_PORT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'chatsync config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
