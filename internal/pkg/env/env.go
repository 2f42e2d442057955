package env

import (
	"os"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/joho/godotenv"
)

// Env holds values read from the .env file. They win over the process
// environment so a checked-out .env behaves the same on every machine.
var Env map[string]string

// dotEnvCandidates are tried in order, relative to the working directory.
var dotEnvCandidates = []string{".env", "../../.env", "../../../.env"}

// Lookup reports the value for key and whether it was set at all.
func Lookup(key string) (string, bool) {
	if val, ok := Env[key]; ok {
		return val, true
	}
	if val := os.Getenv(key); val != "" {
		return val, true
	}
	return "", false
}

func GetEnv(key, def string) string {
	if val, ok := Lookup(key); ok {
		return val
	}
	return def
}

// GetEnvInt parses key as an integer no smaller than min. Unset keys and
// bad values fall back to def; bad values are logged.
func GetEnvInt(key string, def, min int) int {
	raw, ok := Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < min {
		log.Warnf("[Env] Invalid %s %q, using %d", key, raw, def)
		return def
	}
	return n
}

// GetEnvBool accepts anything strconv.ParseBool does.
func GetEnvBool(key string, def bool) bool {
	raw, ok := Lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		log.Warnf("[Env] Invalid %s %q, using %t", key, raw, def)
		return def
	}
	return b
}

func SetupEnvFile() {
	for _, path := range dotEnvCandidates {
		vals, err := godotenv.Read(path)
		if err == nil {
			Env = vals
			return
		}
	}
	// Containers inject configuration through the process environment.
	Env = map[string]string{}
	log.Info("[Env] No .env file found, using process environment only")
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
