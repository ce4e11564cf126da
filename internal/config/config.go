package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8000"
	defaultGRPCHealthAddr  = ":8001"
	defaultKnownFacesDir   = "known_faces"
	defaultModelsDir       = "models"
	defaultJPEGQuality     = 95
	defaultMaxBodyBytes    = 32 << 20
	defaultShutdownTimeout = 15 * time.Second
)

// Config holds every runtime setting of the service.
type Config struct {
	HTTPAddr             string
	GRPCHealthAddr       string
	KnownFacesDir        string
	ModelsDir            string
	JPEGQuality          int
	MaxBodyBytes         int64
	ExposeInternalErrors bool
	DatabaseDSN          string
	RedisAddr            string
	JWTSecret            string
	JWTAudience          string
	ShutdownTimeout      time.Duration
}

// Load reads the optional env file and then the process environment.
// A missing env file is not an error.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", defaultHTTPAddr),
		GRPCHealthAddr: os.Getenv("GRPC_HEALTH_ADDR"),
		KnownFacesDir:  getEnv("KNOWN_FACES_DIR", defaultKnownFacesDir),
		ModelsDir:      getEnv("FACE_MODELS_DIR", defaultModelsDir),
		DatabaseDSN:    strings.TrimSpace(os.Getenv("DATABASE_DSN")),
		RedisAddr:      strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		JWTSecret:      strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTAudience:    strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
	}
	if _, ok := os.LookupEnv("GRPC_HEALTH_ADDR"); !ok {
		cfg.GRPCHealthAddr = defaultGRPCHealthAddr
	}

	var err error
	if cfg.JPEGQuality, err = getInt("JPEG_QUALITY", defaultJPEGQuality); err != nil {
		return nil, err
	}
	maxBody, err := getInt("MAX_BODY_BYTES", defaultMaxBodyBytes)
	if err != nil {
		return nil, err
	}
	cfg.MaxBodyBytes = int64(maxBody)
	if cfg.ExposeInternalErrors, err = getBool("EXPOSE_INTERNAL_ERRORS", true); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR must not be empty")
	}
	if c.KnownFacesDir == "" {
		return errors.New("KNOWN_FACES_DIR must not be empty")
	}
	if c.ModelsDir == "" {
		return errors.New("FACE_MODELS_DIR must not be empty")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be between 1 and 100, got %d", c.JPEGQuality)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive, got %d", c.MaxBodyBytes)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
