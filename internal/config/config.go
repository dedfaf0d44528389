package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	DuplicateScanWindow    time.Duration
	SessionMaxAge          time.Duration
	SessionCleanupInterval time.Duration
	AutoStartSession       bool
	LowStockChannel        string
	OTLPEndpoint           string
	ServiceName            string
	BootstrapAdminUser     string
	BootstrapAdminPassword string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL := positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480)
	windowMS := positiveInt("DUPLICATE_SCAN_WINDOW_MS", 2000)
	maxAgeHours := positiveInt("SESSION_MAX_AGE_HOURS", 24)
	cleanupMinutes := positiveInt("SESSION_CLEANUP_INTERVAL_MINUTES", 60)
	autoStart, _ := strconv.ParseBool(getEnv("AUTO_START_SESSION", "false"))

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  tokenTTL,
		DuplicateScanWindow:    time.Duration(windowMS) * time.Millisecond,
		SessionMaxAge:          time.Duration(maxAgeHours) * time.Hour,
		SessionCleanupInterval: time.Duration(cleanupMinutes) * time.Minute,
		AutoStartSession:       autoStart,
		LowStockChannel:        getEnv("LOW_STOCK_CHANNEL", "snackpos:low-stock"),
		OTLPEndpoint:           strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName:            getEnv("SERVICE_NAME", "snackpos-backend"),
		BootstrapAdminUser:     getEnv("BOOTSTRAP_ADMIN_USER", "admin"),
		BootstrapAdminPassword: os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
