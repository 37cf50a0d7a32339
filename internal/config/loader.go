package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/asterism-org/asterism/internal/constellation/scheduler"
)

// Loader reads and merges configuration from defaults, a YAML file, and
// environment variables, in increasing order of precedence.
type Loader struct {
	v          *viper.Viper
	configFile string
	envFile    string
	warnings   []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets an explicit configuration file path. Without it the
// loader searches the working directory and ~/.config/asterism for
// asterism.yaml, and missing files are not an error.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) { l.configFile = path }
}

// WithEnvFile sets an explicit dotenv file path. Without it the loader
// reads ./.env when present. Variables already exported win over the file.
func WithEnvFile(path string) LoaderOption {
	return func(l *Loader) { l.envFile = path }
}

// NewLoader creates a Loader over the given viper instance.
func NewLoader(v *viper.Viper, opts ...LoaderOption) *Loader {
	loader := &Loader{v: v}
	for _, opt := range opts {
		opt(loader)
	}
	return loader
}

// Load reads the configuration sources and returns a validated Config.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadEnvFile(); err != nil {
		return nil, err
	}

	l.configureViper()
	l.bindEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var def Definition
	if err := l.v.Unmarshal(&def, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg, err := l.buildConfig(def)
	if err != nil {
		return nil, err
	}

	cfg.ConfigFileUsed = l.v.ConfigFileUsed()
	cfg.Warnings = l.warnings
	return cfg, nil
}

func (l *Loader) loadEnvFile() error {
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", l.envFile, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func (l *Loader) configureViper() {
	if l.configFile == "" {
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", AppSlug))
		}
		l.v.SetConfigName(AppSlug)
	} else {
		l.v.SetConfigFile(l.configFile)
	}
	l.v.SetConfigType("yaml")
	l.v.SetEnvPrefix(strings.ToUpper(AppSlug))
	l.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	l.v.AutomaticEnv()
}

type envBinding struct {
	key    string
	env    string
	isPath bool
}

var envBindings = []envBinding{
	{key: "debug", env: "DEBUG"},
	{key: "log_format", env: "LOG_FORMAT"},
	{key: "client_id", env: "CLIENT_ID"},

	{key: "heartbeat_interval_s", env: "HEARTBEAT_INTERVAL_S"},
	{key: "initial_reconnect_delay_s", env: "INITIAL_RECONNECT_DELAY_S"},
	{key: "max_reconnect_delay_s", env: "MAX_RECONNECT_DELAY_S"},
	{key: "default_max_retries", env: "DEFAULT_MAX_RETRIES"},
	{key: "default_task_timeout_s", env: "DEFAULT_TASK_TIMEOUT_S"},

	{key: "max_history_size", env: "MAX_HISTORY_SIZE"},
	{key: "assignment_strategy", env: "ASSIGNMENT_STRATEGY"},
	{key: "device_preference_table", env: "DEVICE_PREFERENCE_TABLE"},
	{key: "devices_file", env: "DEVICES_FILE", isPath: true},
}

func (l *Loader) bindEnvironmentVariables() {
	prefix := strings.ToUpper(AppSlug) + "_"

	for _, b := range envBindings {
		fullEnv := prefix + b.env

		if b.isPath {
			if val := os.Getenv(fullEnv); val != "" {
				if abs, err := filepath.Abs(val); err == nil && abs != val {
					_ = os.Setenv(fullEnv, abs)
				}
			}
		}

		_ = l.v.BindEnv(b.key, fullEnv)
	}
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("debug", false)
	l.v.SetDefault("log_format", "text")
	l.v.SetDefault("client_id", AppSlug)

	l.v.SetDefault("heartbeat_interval_s", 30)
	l.v.SetDefault("initial_reconnect_delay_s", 5)
	l.v.SetDefault("max_reconnect_delay_s", 300)
	l.v.SetDefault("default_max_retries", 5)
	l.v.SetDefault("default_task_timeout_s", 1000)

	l.v.SetDefault("max_history_size", 100)
	l.v.SetDefault("assignment_strategy", scheduler.RoundRobin.String())
}

func (l *Loader) buildConfig(def Definition) (*Config, error) {
	strategy, err := scheduler.ParseStrategy(def.AssignmentStrategy)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Debug:     def.Debug,
		LogFormat: def.LogFormat,
		ClientID:  def.ClientID,
		Coordinator: Coordinator{
			HeartbeatInterval:     def.HeartbeatInterval,
			InitialReconnectDelay: def.InitialReconnectDelay,
			MaxReconnectDelay:     def.MaxReconnectDelay,
			DefaultMaxRetries:     def.DefaultMaxRetries,
			DefaultTaskTimeout:    def.DefaultTaskTimeout,
		},
		Scheduling: Scheduling{
			Strategy:    strategy,
			Preferences: l.parsePreferenceTable(def.DevicePreferenceTable),
		},
		MaxHistorySize: def.MaxHistorySize,
		Devices:        def.Devices,
	}

	if def.DevicesFile != "" {
		devices, err := loadDevicesFile(def.DevicesFile)
		if err != nil {
			return nil, err
		}
		cfg.Devices = append(cfg.Devices, devices...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parsePreferenceTable accepts the YAML map form and the environment's
// comma-separated "device_type=device_id" form.
func (l *Loader) parsePreferenceTable(input any) map[string]string {
	if input == nil {
		return nil
	}
	table := make(map[string]string)

	switch v := input.(type) {
	case string:
		for pair := range strings.SplitSeq(v, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			if key, value, found := strings.Cut(pair, "="); found {
				key = strings.TrimSpace(key)
				value = strings.TrimSpace(value)
				if key != "" {
					table[key] = value
				}
			}
		}
	case map[string]string:
		for key, val := range v {
			table[key] = val
		}
	case map[string]any:
		for key, val := range v {
			if strVal, ok := val.(string); ok {
				table[key] = strVal
			}
		}
	case map[any]any:
		for key, val := range v {
			if keyStr, ok := key.(string); ok {
				if valStr, ok := val.(string); ok {
					table[keyStr] = valStr
				}
			}
		}
	default:
		l.warnings = append(l.warnings,
			fmt.Sprintf("device_preference_table: unsupported %T value ignored", input))
	}

	return table
}

func loadDevicesFile(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read devices file: %w", err)
	}
	var doc struct {
		Devices []Device `yaml:"devices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode devices file %s: %w", path, err)
	}
	return doc.Devices, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		secondsHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// secondsHookFunc decodes bare numbers into second counts for the *_s
// keys. Duration strings ("90s") fall through to the standard hook.
func secondsHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != durationType || f == durationType {
			return data, nil
		}
		switch f.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
		case reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		case reflect.String:
			if n, err := strconv.Atoi(data.(string)); err == nil {
				return time.Duration(n) * time.Second, nil
			}
		}
		return data, nil
	}
}
