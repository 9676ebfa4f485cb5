package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed analysis.yaml
var analysisYAML []byte

type Config struct {
	Database  DatabaseConfig
	Storage   StorageConfig
	Inference InferenceConfig
	Frames    FramesConfig
	Auth      AuthConfig
	Log       LogConfig
	Web       WebConfig
	Analysis  AnalysisConfig
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type StorageConfig struct {
	Root string // directory that footage and reference photo refs resolve under
}

type InferenceConfig struct {
	URL     string // defaults to http://localhost:8000
	Timeout time.Duration
}

type FramesConfig struct {
	FFmpegPath string // defaults to "ffmpeg" from PATH
	MaxWidth   int    // frames wider than this are scaled down before scoring
}

type AuthConfig struct {
	JWTSecret string // HS256 secret shared with the session store
}

type LogConfig struct {
	Mode string // "dev" or "prod"
}

type WebConfig struct {
	Host string
	Port int
	// AllowedOrigins are the browser origins answered with CORS headers.
	// "http://localhost:*" accepts localhost on any port.
	AllowedOrigins []string
}

// AnalysisConfig holds the tunables of the matching and scoring engine.
type AnalysisConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	ProximityRadiusKm   float64       `yaml:"proximity_radius_km"`
	MaxFrameSamples     int           `yaml:"max_frame_samples"`
	RetryLimit          int           `yaml:"retry_limit"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
	ReferenceCacheTTL   time.Duration `yaml:"reference_cache_ttl"`
	Weights             Weights       `yaml:"weights"`
}

// Weights are the per-modality fusion weights.
type Weights struct {
	Face     float64 `yaml:"face"`
	Clothing float64 `yaml:"clothing"`
	Pose     float64 `yaml:"pose"`
}

// Validate rejects analysis settings that would make scoring meaningless.
func (c *AnalysisConfig) Validate() error {
	var errs []error
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold must be within [0, 1], got %v", c.ConfidenceThreshold))
	}
	if c.ProximityRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("proximity_radius_km must be positive, got %v", c.ProximityRadiusKm))
	}
	if c.MaxFrameSamples < 1 {
		errs = append(errs, fmt.Errorf("max_frame_samples must be at least 1, got %d", c.MaxFrameSamples))
	}
	if c.RetryLimit < 0 {
		errs = append(errs, fmt.Errorf("retry_limit must not be negative, got %d", c.RetryLimit))
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("retry delays must satisfy 0 <= base <= max, got %v and %v", c.RetryBaseDelay, c.RetryMaxDelay))
	}
	w := c.Weights
	if w.Face < 0 || w.Clothing < 0 || w.Pose < 0 {
		errs = append(errs, errors.New("fusion weights must not be negative"))
	} else if w.Face == 0 && w.Clothing == 0 && w.Pose == 0 {
		errs = append(errs, errors.New("at least one fusion weight must be positive"))
	}
	return errors.Join(errs...)
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envNonNegInt is envInt that also accepts zero (e.g. RETRY_LIMIT=0 disables retries).
func envNonNegInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float64, falling back on parse failure.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a time.Duration ("30s", "2m").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// DefaultAnalysis returns the embedded analysis defaults.
func DefaultAnalysis() AnalysisConfig {
	var a AnalysisConfig
	if err := yaml.Unmarshal(analysisYAML, &a); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded analysis.yaml: " + err.Error())
	}
	return a
}

// LoadAnalysis builds the analysis config from the embedded defaults, the optional
// YAML file at path, and finally the environment overrides.
func LoadAnalysis(path string) (AnalysisConfig, error) {
	a := DefaultAnalysis()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return a, fmt.Errorf("reading analysis config: %w", err)
		}
		if err := yaml.Unmarshal(data, &a); err != nil {
			return a, fmt.Errorf("parsing analysis config %s: %w", path, err)
		}
	}

	a.ConfidenceThreshold = envFloat("CONFIDENCE_THRESHOLD", a.ConfidenceThreshold)
	a.ProximityRadiusKm = envFloat("PROXIMITY_RADIUS_KM", a.ProximityRadiusKm)
	a.MaxFrameSamples = envInt("MAX_FRAME_SAMPLES", a.MaxFrameSamples)
	a.RetryLimit = envNonNegInt("RETRY_LIMIT", a.RetryLimit)

	if err := a.Validate(); err != nil {
		return a, fmt.Errorf("invalid analysis config: %w", err)
	}
	return a, nil
}

func Load() (*Config, error) {
	analysis, err := LoadAnalysis(os.Getenv("ANALYSIS_CONFIG"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Storage: StorageConfig{
			Root: envString("STORAGE_ROOT", "./data"),
		},
		Inference: InferenceConfig{
			URL:     os.Getenv("INFERENCE_URL"),
			Timeout: envDuration("INFERENCE_TIMEOUT", 30*time.Second),
		},
		Frames: FramesConfig{
			FFmpegPath: envString("FFMPEG_PATH", "ffmpeg"),
			MaxWidth:   envInt("FRAME_MAX_WIDTH", 1280),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("AUTH_JWT_SECRET"),
		},
		Log: LogConfig{
			Mode: envString("LOG_MODE", "dev"),
		},
		Web: WebConfig{
			Host: envString("WEB_HOST", "0.0.0.0"),
			Port: envInt("WEB_PORT", 8080),

			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		Analysis: analysis,
	}, nil
}
