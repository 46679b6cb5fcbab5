package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigPath is the default location of the YAML config file.
	ConfigPath = "config.yaml"
	// PathEnv overrides ConfigPath.
	PathEnv = "STUDIO_CONFIG"
	// MemoryBackend selects the in-process store for databaseURL or minioEndpoint.
	MemoryBackend = "memory"

	maxPresignExpiry = 7 * 24 * time.Hour
)

// FileConfig represents configuration loaded from YAML, then overridden by environment variables.
type FileConfig struct {
	Port     string `yaml:"port" env:"STUDIO_PORT"`
	LogLevel string `yaml:"logLevel" env:"STUDIO_LOG_LEVEL"`

	DatabaseURL string `yaml:"databaseURL" env:"DATABASE_URL"`

	MinioEndpoint  string `yaml:"minioEndpoint" env:"MINIO_ENDPOINT"`
	MinioAccessKey string `yaml:"minioAccessKey" env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `yaml:"minioSecretKey" env:"MINIO_SECRET_KEY"`
	MinioBucket    string `yaml:"minioBucket" env:"MINIO_BUCKET"`
	MinioUseSSL    bool   `yaml:"minioUseSSL" env:"MINIO_USE_SSL"`

	GeminiAPIKey  string        `yaml:"geminiAPIKey" env:"GEMINI_API_KEY"`
	GeminiBackend string        `yaml:"geminiBackend" env:"STUDIO_GEMINI_BACKEND"`
	GeminiBaseURL string        `yaml:"geminiBaseURL" env:"STUDIO_GEMINI_BASE_URL"`
	GCPProject    string        `yaml:"gcpProject" env:"GOOGLE_CLOUD_PROJECT"`
	GCPLocation   string        `yaml:"gcpLocation" env:"GOOGLE_CLOUD_LOCATION"`
	AnalysisModel string        `yaml:"analysisModel" env:"STUDIO_ANALYSIS_MODEL"`
	ImageModel    string        `yaml:"imageModel" env:"STUDIO_IMAGE_MODEL"`
	ModelTimeout  time.Duration `yaml:"modelTimeout" env:"STUDIO_MODEL_TIMEOUT"`

	AuthJWKSURL string        `yaml:"authJwksURL" env:"STUDIO_AUTH_JWKS_URL"`
	JWTIssuer   string        `yaml:"jwtIssuer" env:"JWT_ISSUER"`
	JWTAudience string        `yaml:"jwtAudience" env:"JWT_AUDIENCE"`
	JWTLeeway   time.Duration `yaml:"jwtLeeway" env:"JWT_LEEWAY"`

	RedisAddr                    string `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword                string `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	GenerationRateLimitPerMinute int    `yaml:"generationRateLimitPerMinute" env:"STUDIO_GENERATION_RATE_LIMIT_PER_MINUTE"`

	AllowedOrigins    []string `yaml:"allowedOrigins" env:"STUDIO_ALLOWED_ORIGINS" envSeparator:","`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs" env:"STUDIO_TRUSTED_PROXY_CIDRS" envSeparator:","`

	MaxUploadBytes      int64         `yaml:"maxUploadBytes" env:"STUDIO_MAX_UPLOAD_BYTES"`
	AllowedExtensions   []string      `yaml:"allowedExtensions" env:"STUDIO_ALLOWED_EXTENSIONS" envSeparator:","`
	PresignExpiry       time.Duration `yaml:"presignExpiry" env:"STUDIO_PRESIGN_EXPIRY"`
	PresignConcurrency  int           `yaml:"presignConcurrency" env:"STUDIO_PRESIGN_CONCURRENCY"`
	GroundWithReference bool          `yaml:"groundWithReference" env:"STUDIO_GROUND_WITH_REFERENCE"`
	MarkFallbackAsError bool          `yaml:"markFallbackAsError" env:"STUDIO_MARK_FALLBACK_AS_ERROR"`
	EnforceOwnership    bool          `yaml:"enforceOwnership" env:"STUDIO_ENFORCE_OWNERSHIP"`
}

// Path returns the config file location, honouring STUDIO_CONFIG.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(PathEnv)); p != "" {
		return p
	}
	return ConfigPath
}

func defaults() FileConfig {
	return FileConfig{
		Port:                "8080",
		LogLevel:            "info",
		GeminiBackend:       "gemini",
		MinioBucket:         "character-studio",
		ModelTimeout:        120 * time.Second,
		JWTLeeway:           30 * time.Second,
		MaxUploadBytes:      10 << 20,
		AllowedExtensions:   []string{".png", ".jpg", ".jpeg", ".webp"},
		PresignExpiry:       15 * time.Minute,
		PresignConcurrency:  8,
		GroundWithReference: true,
		EnforceOwnership:    true,
	}
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := defaults()
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.GeminiBackend = strings.ToLower(strings.TrimSpace(cfg.GeminiBackend))
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// UsesMemoryStore reports whether character records live in process memory.
func (c FileConfig) UsesMemoryStore() bool {
	return strings.EqualFold(strings.TrimSpace(c.DatabaseURL), MemoryBackend)
}

// UsesMemoryObjects reports whether uploaded images live in process memory.
func (c FileConfig) UsesMemoryObjects() bool {
	return strings.EqualFold(strings.TrimSpace(c.MinioEndpoint), MemoryBackend)
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required (set in config.yaml or STUDIO_PORT)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (postgres DSN or \"memory\")")
	}
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return errors.New("config: minioEndpoint is required (endpoint or \"memory\")")
	}
	if !cfg.UsesMemoryObjects() && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || strings.TrimSpace(cfg.MinioBucket) == "") {
		return errors.New("config: minioAccessKey, minioSecretKey and minioBucket are required")
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or STUDIO_AUTH_JWKS_URL)")
	}
	switch cfg.GeminiBackend {
	case "", "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return errors.New("config: geminiAPIKey is required for the gemini backend (or GEMINI_API_KEY)")
		}
	case "vertex":
		if strings.TrimSpace(cfg.GCPProject) == "" || strings.TrimSpace(cfg.GCPLocation) == "" {
			return errors.New("config: gcpProject and gcpLocation are required for the vertex backend")
		}
	default:
		return fmt.Errorf("config: unknown geminiBackend %q (want gemini or vertex)", cfg.GeminiBackend)
	}
	if cfg.GenerationRateLimitPerMinute < 0 {
		return errors.New("config: generationRateLimitPerMinute must be >= 0")
	}
	if cfg.GenerationRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when generationRateLimitPerMinute is set")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.PresignExpiry < 0 || cfg.PresignExpiry > maxPresignExpiry {
		return fmt.Errorf("config: presignExpiry must be between 0 and %s", maxPresignExpiry)
	}
	if cfg.JWTLeeway < 0 || cfg.ModelTimeout < 0 {
		return errors.New("config: durations must be >= 0")
	}
	return nil
}
