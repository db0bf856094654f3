package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAPIKeyPath = "/run/secrets/api_keys/runpod"
	APIKeyPathEnvVar  = "RUNPOD_API_KEY_FILE"
	EnvPathEnvVar     = "TRYON_ENV"

	BackendRunpod = "runpod"
	BackendComfy  = "comfy"

	TransportPoll   = "poll"
	TransportStream = "stream"

	DefaultComfyBaseURL = "http://127.0.0.1:8188"
)

type LoadOptions struct {
	APIKeyPathOverride string
	BackendOverride    string
	TransportOverride  string
	TemplateOverride   string
}

type Config struct {
	Backend   string
	Transport string

	RunpodBaseURL string
	APIKey        string
	APIKeyPath    string

	ComfyBaseURL    string
	ComfyOutputNode string

	PollInterval   time.Duration
	RequestTimeout time.Duration
	CaptureSettle  time.Duration

	TemplatePath string
	PersonNode   string
	ClothNode    string

	EnableFileLogging bool
	LogLevel          string
}

func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{})
}

func LoadWithOptions(opts LoadOptions) (*Config, error) {
	// Sources in priority order:
	// 1) .env in the executable directory
	// 2) otherwise the file named by TRYON_ENV
	envPath := resolveEnvPath()
	dotenvValues := readDotenvValues(envPath)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	}

	apiKeyPath := resolveAPIKeyPath(opts, dotenvValues)

	cfg := &Config{
		Backend:           resolveChoice(opts.BackendOverride, "BACKEND", BackendRunpod),
		Transport:         resolveChoice(opts.TransportOverride, "TRANSPORT", TransportPoll),
		RunpodBaseURL:     os.Getenv("RUNPOD_BASE_URL"),
		APIKey:            resolveAPIKey(apiKeyPath),
		APIKeyPath:        apiKeyPath,
		ComfyBaseURL:      getEnvWithDefault("COMFY_BASE_URL", DefaultComfyBaseURL),
		ComfyOutputNode:   os.Getenv("COMFY_OUTPUT_NODE"),
		PollInterval:      time.Duration(positiveInt("POLL_INTERVAL_SEC", 3)) * time.Second,
		RequestTimeout:    time.Duration(positiveInt("REQUEST_TIMEOUT_SEC", 60)) * time.Second,
		CaptureSettle:     time.Duration(positiveInt("CAPTURE_SETTLE_MS", 100)) * time.Millisecond,
		TemplatePath:      os.Getenv("TEMPLATE_PATH"),
		PersonNode:        getEnvWithDefault("PERSON_NODE", "1"),
		ClothNode:         getEnvWithDefault("CLOTH_NODE", "2"),
		EnableFileLogging: strings.ToLower(os.Getenv("ENABLE_FILE_LOGGING")) == "true",
		LogLevel:          getEnvWithDefault("LOG_LEVEL", "info"),
	}
	if override := strings.TrimSpace(opts.TemplateOverride); override != "" {
		cfg.TemplatePath = override
	}

	return cfg, nil
}

// Validate reports settings the selected backend cannot run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendRunpod:
		if c.RunpodBaseURL == "" {
			return fmt.Errorf("RUNPOD_BASE_URL is required for the %s backend", c.Backend)
		}
		if c.APIKey == "" {
			return fmt.Errorf("no API key: set RUNPOD_API_KEY or put it in %s", c.APIKeyPath)
		}
	case BackendComfy:
		if c.ComfyBaseURL == "" {
			return fmt.Errorf("COMFY_BASE_URL is required for the %s backend", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendRunpod, BackendComfy)
	}
	switch c.Transport {
	case TransportPoll:
	case TransportStream:
		if c.Backend != BackendComfy {
			return fmt.Errorf("transport %q needs the %s backend", c.Transport, BackendComfy)
		}
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportPoll, TransportStream)
	}
	return nil
}

func resolveEnvPath() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}

	execDir := filepath.Dir(execPath)
	exeEnv := filepath.Join(execDir, ".env")
	if _, err := os.Stat(exeEnv); err == nil {
		return exeEnv
	}

	if alt := os.Getenv(EnvPathEnvVar); alt != "" {
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}

	return ""
}

func readDotenvValues(envPath string) map[string]string {
	if envPath == "" {
		return map[string]string{}
	}

	values, err := godotenv.Read(envPath)
	if err != nil {
		return map[string]string{}
	}

	return values
}

func resolveAPIKeyPath(opts LoadOptions, dotenvValues map[string]string) string {
	keyPath := DefaultAPIKeyPath

	if envPath := strings.TrimSpace(os.Getenv(APIKeyPathEnvVar)); envPath != "" {
		keyPath = envPath
	}

	if dotenvPath := strings.TrimSpace(dotenvValues[APIKeyPathEnvVar]); dotenvPath != "" {
		keyPath = dotenvPath
	}

	if overridePath := strings.TrimSpace(opts.APIKeyPathOverride); overridePath != "" {
		keyPath = overridePath
	}

	return keyPath
}

func resolveAPIKey(keyPath string) string {
	if data, err := os.ReadFile(keyPath); err == nil {
		if fileKey := strings.TrimSpace(string(data)); fileKey != "" {
			return fileKey
		}
	}

	return strings.TrimSpace(os.Getenv("RUNPOD_API_KEY"))
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func resolveChoice(override, key, defaultValue string) string {
	if v := strings.TrimSpace(override); v != "" {
		return strings.ToLower(v)
	}
	return strings.ToLower(strings.TrimSpace(getEnvWithDefault(key, defaultValue)))
}

func positiveInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}
