package shared

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvParser converts the raw value of an environment variable.
type EnvParser[T any] func(raw string) (T, error)

func GetenvString(raw string) (string, error) {
	return strings.TrimSpace(raw), nil
}

func GetenvInt(raw string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(raw))
}

func GetenvBool(raw string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(raw))
}

func GetenvDuration(raw string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(raw))
}

// Getenv reads key with parse. An unset or blank variable yields def,
// or an error when required is true.
func Getenv[T any](parse EnvParser[T], key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		if required {
			return def, fmt.Errorf("environment variable %s is required", key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		return def, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

// MustGetenv is Getenv that panics on error.
func MustGetenv[T any](parse EnvParser[T], key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}
