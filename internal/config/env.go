package config

import (
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var envOnce sync.Once

// LoadEnvOnce loads the .env file once per process. Containerized deployments
// ship configuration through real environment variables, so a missing file is
// not an error.
func LoadEnvOnce() {
	envOnce.Do(func() {
		for _, path := range []string{".env", "../.env"} {
			if _, err := os.Stat(path); err == nil {
				if err := godotenv.Load(path); err == nil {
					log.Printf("Environment loaded from: %s", path)
					return
				}
			}
		}
	})
}

// GetEnvWithFallback returns the environment value or the fallback when unset.
func GetEnvWithFallback(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(GetEnvWithFallback(key, "")); err == nil {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(GetEnvWithFallback(key, "")); err == nil {
		return v
	}
	return fallback
}

func getMillis(key string, fallback time.Duration) time.Duration {
	if v, err := strconv.Atoi(GetEnvWithFallback(key, "")); err == nil && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return fallback
}
