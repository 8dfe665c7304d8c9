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

// MinIdentitySecretLength is the shortest HS256 secret the server accepts.
const MinIdentitySecretLength = 32

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	StoreID                string
	SummaryCacheTTLSeconds int
	LockTTLSeconds         int
	IdentitySecret         string
	IdentityIssuer         string
	LogLevel               string
}

// Load reads the environment, after filling it from a .env file in the
// working directory when one exists. Variables already set win over the file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	cacheTTL, err := strconv.Atoi(getEnv("SUMMARY_CACHE_TTL_SECONDS", "60"))
	if err != nil || cacheTTL < 1 {
		cacheTTL = 60
	}
	lockTTL, err := strconv.Atoi(getEnv("LOCK_TTL_SECONDS", "15"))
	if err != nil || lockTTL < 1 {
		lockTTL = 15
	}

	return Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		StoreID:                getEnv("DEFAULT_STORE_ID", "main-store"),
		SummaryCacheTTLSeconds: cacheTTL,
		LockTTLSeconds:         lockTTL,
		IdentitySecret:         strings.TrimSpace(os.Getenv("IDENTITY_SECRET")),
		IdentityIssuer:         strings.TrimSpace(os.Getenv("IDENTITY_ISSUER")),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	if len(c.IdentitySecret) < MinIdentitySecretLength {
		return fmt.Errorf("IDENTITY_SECRET must be at least %d characters", MinIdentitySecretLength)
	}
	if c.Port == "" {
		return errors.New("PORT must not be empty")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) SummaryCacheTTL() time.Duration {
	return time.Duration(c.SummaryCacheTTLSeconds) * time.Second
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
