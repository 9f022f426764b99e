package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Config is the bridge configuration.
type Config struct {
	Schema string `json:"$schema,omitempty"`

	// Server locates the agent server.
	Server ServerConfig `json:"server"`

	// Listen is the address of the adapter-facing HTTP API.
	Listen string `json:"listen,omitempty"`

	// Storage overrides the key/value store directory.
	Storage string `json:"storage,omitempty"`

	// Verbosity is the default output verbosity: all, text-only, text-and-essential-tools.
	Verbosity string `json:"verbosity,omitempty"`

	// Global model/agent defaults, lowest priority before the provider default.
	Model   string `json:"model,omitempty"`
	Agent   string `json:"agent,omitempty"`
	Variant string `json:"variant,omitempty"`

	Timeouts Timeouts `json:"timeouts"`

	// LargeOutputTokens is the tool output size that triggers a separate notice.
	LargeOutputTokens int `json:"largeOutputTokens,omitempty"`

	// EssentialTools and QuietTools are doublestar globs over tool names that
	// override the built-in essential/non-essential classification.
	EssentialTools []string `json:"essentialTools,omitempty"`
	QuietTools     []string `json:"quietTools,omitempty"`

	Log LogConfig `json:"log"`
}

// ServerConfig locates the agent server.
type ServerConfig struct {
	URL       string            `json:"url,omitempty"`
	Directory string            `json:"directory,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Timeouts holds the turn race windows.
type Timeouts struct {
	Grace Duration `json:"grace,omitempty"`
	Drain Duration `json:"drain,omitempty"`
	Turn  Duration `json:"turn,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty"`
	File   bool   `json:"file,omitempty"`
	Dir    string `json:"dir,omitempty"`
}

// Duration accepts "200ms"-style strings or a number of milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Defaults.
const (
	DefaultServerURL         = "http://127.0.0.1:4096"
	DefaultListen            = "127.0.0.1:4097"
	DefaultVerbosity         = "text-and-essential-tools"
	DefaultGrace             = 200 * time.Millisecond
	DefaultDrain             = time.Second
	DefaultTurnTimeout       = 30 * time.Minute
	DefaultLargeOutputTokens = 4000
)

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server:            ServerConfig{URL: DefaultServerURL},
		Listen:            DefaultListen,
		Verbosity:         DefaultVerbosity,
		Timeouts:          Timeouts{Grace: Duration(DefaultGrace), Drain: Duration(DefaultDrain), Turn: Duration(DefaultTurnTimeout)},
		LargeOutputTokens: DefaultLargeOutputTokens,
		Log:               LogConfig{Level: "info"},
	}
}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/chatbridge/)
// 2. Project config (<dir>/chatbridge.json[c], <dir>/.chatbridge/)
// 3. CHATBRIDGE_CONFIG file
// 4. CHATBRIDGE_CONFIG_CONTENT inline JSON
// 5. <dir>/.env, then environment variables
func Load(directory string) (*Config, error) {
	config := Default()
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) error {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return nil
		}
		err = loadConfigFile(path, config, baseDir)
		if err == nil {
			loaded[absPath] = true
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config %s: %w", path, err)
	}

	var candidates [][2]string
	globalPath := GetPaths().Config
	candidates = append(candidates,
		[2]string{filepath.Join(globalPath, "chatbridge.json"), globalPath},
		[2]string{filepath.Join(globalPath, "chatbridge.jsonc"), globalPath},
	)
	if directory != "" {
		projectDir := filepath.Join(directory, ".chatbridge")
		candidates = append(candidates,
			[2]string{filepath.Join(directory, "chatbridge.json"), directory},
			[2]string{filepath.Join(directory, "chatbridge.jsonc"), directory},
			[2]string{filepath.Join(projectDir, "chatbridge.jsonc"), projectDir},
		)
	}
	if configPath := os.Getenv("CHATBRIDGE_CONFIG"); configPath != "" {
		candidates = append(candidates, [2]string{configPath, filepath.Dir(configPath)})
	}
	for _, c := range candidates {
		if err := loadOnce(c[0], c[1]); err != nil {
			return nil, err
		}
	}

	if content := os.Getenv("CHATBRIDGE_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err != nil {
			return nil, fmt.Errorf("CHATBRIDGE_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(config, &inline)
	}

	if directory != "" {
		// Existing environment wins over .env values.
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}
	applyEnvOverrides(config)

	if config.Server.Directory == "" {
		config.Server.Directory = directory
	}
	return config, nil
}

// LoadFile loads a single file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	config := Default()
	if err := loadConfigFile(path, config, filepath.Dir(path)); err != nil {
		return nil, err
	}
	applyEnvOverrides(config)
	return config, nil
}

func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = interpolate(jsonc.ToJSON(data), baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}
		// Quote as a JSON string and drop the surrounding quotes.
		quoted, _ := json.Marshal(strings.TrimRight(string(content), "\n"))
		return string(quoted[1 : len(quoted)-1])
	})

	return []byte(str)
}

// mergeConfig merges non-zero source fields into target.
func mergeConfig(target, source *Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Server.URL != "" {
		target.Server.URL = source.Server.URL
	}
	if source.Server.Directory != "" {
		target.Server.Directory = source.Server.Directory
	}
	if source.Server.Headers != nil {
		if target.Server.Headers == nil {
			target.Server.Headers = make(map[string]string)
		}
		for k, v := range source.Server.Headers {
			target.Server.Headers[k] = v
		}
	}
	if source.Listen != "" {
		target.Listen = source.Listen
	}
	if source.Storage != "" {
		target.Storage = source.Storage
	}
	if source.Verbosity != "" {
		target.Verbosity = source.Verbosity
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.Agent != "" {
		target.Agent = source.Agent
	}
	if source.Variant != "" {
		target.Variant = source.Variant
	}
	if source.Timeouts.Grace != 0 {
		target.Timeouts.Grace = source.Timeouts.Grace
	}
	if source.Timeouts.Drain != 0 {
		target.Timeouts.Drain = source.Timeouts.Drain
	}
	if source.Timeouts.Turn != 0 {
		target.Timeouts.Turn = source.Timeouts.Turn
	}
	if source.LargeOutputTokens != 0 {
		target.LargeOutputTokens = source.LargeOutputTokens
	}
	if len(source.EssentialTools) > 0 {
		target.EssentialTools = append(target.EssentialTools, source.EssentialTools...)
	}
	if len(source.QuietTools) > 0 {
		target.QuietTools = append(target.QuietTools, source.QuietTools...)
	}
	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}
	if source.Log.File {
		target.Log.File = true
	}
	if source.Log.Dir != "" {
		target.Log.Dir = source.Log.Dir
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) {
	strOverrides := map[string]*string{
		"CHATBRIDGE_SERVER_URL": &config.Server.URL,
		"CHATBRIDGE_DIRECTORY":  &config.Server.Directory,
		"CHATBRIDGE_LISTEN":     &config.Listen,
		"CHATBRIDGE_STORAGE":    &config.Storage,
		"CHATBRIDGE_VERBOSITY":  &config.Verbosity,
		"CHATBRIDGE_MODEL":      &config.Model,
		"CHATBRIDGE_AGENT":      &config.Agent,
		"CHATBRIDGE_LOG_LEVEL":  &config.Log.Level,
	}
	for env, field := range strOverrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}

	if v := os.Getenv("CHATBRIDGE_LARGE_OUTPUT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.LargeOutputTokens = n
		}
	}
}

// StorageDir returns the configured storage directory or the XDG default.
func (c *Config) StorageDir() string {
	if c.Storage != "" {
		return c.Storage
	}
	return GetPaths().StoragePath()
}

// Save writes the configuration as indented JSON.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
