package config

import (
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// envParser is a helper for parsing environment variables with validation.
// Problems are collected so that one run reports every bad variable.
type envParser struct {
	errors []string
}

func (p *envParser) err() error {
	if len(p.errors) == 0 {
		return nil
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(p.errors, "\n  - "))
}

// parseDuration parses a duration environment variable, ensuring it's positive
func (p *envParser) parseDuration(envName string, target *time.Duration) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		p.errors = append(p.errors, fmt.Sprintf("%s: invalid duration format (use '30s', '1m', etc.)", envName))
		return
	}

	if duration <= 0 {
		p.errors = append(p.errors, fmt.Sprintf("%s must be positive", envName))
		return
	}

	*target = duration
}

// parseInt parses an integer environment variable, ensuring it's positive
func (p *envParser) parseInt(envName string, target *int) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		p.errors = append(p.errors, fmt.Sprintf("%s: must be a valid integer", envName))
		return
	}

	if intVal <= 0 {
		p.errors = append(p.errors, fmt.Sprintf("%s must be positive", envName))
		return
	}

	*target = intVal
}

// parseBool parses a boolean environment variable ("true", "1", "false", "0", ...)
func (p *envParser) parseBool(envName string, target *bool) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	b, err := strconv.ParseBool(val)
	if err != nil {
		p.errors = append(p.errors, fmt.Sprintf("%s: must be a boolean", envName))
		return
	}

	*target = b
}

// parseByteSize parses a byte size such as "1024", "10MiB" or "1.5MB", ensuring it's positive.
// SI suffixes are powers of 1000, IEC suffixes powers of 1024.
func (p *envParser) parseByteSize(envName string, target *int64) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	size, err := humanize.ParseBytes(val)
	if err != nil {
		p.errors = append(p.errors, fmt.Sprintf("%s: %v", envName, err))
		return
	}

	if size == 0 || size > math.MaxInt64 {
		p.errors = append(p.errors, fmt.Sprintf("%s must be positive", envName))
		return
	}

	*target = int64(size)
}

// parseEnum parses an enum environment variable from a set of valid values.
// normalize is applied before the lookup and the normalized value is stored.
func (p *envParser) parseEnum(envName string, target *string, validValues map[string]bool, normalize func(string) string) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	normalized := normalize(strings.TrimSpace(val))
	if !validValues[normalized] {
		validList := make([]string, 0, len(validValues))
		for k := range validValues {
			validList = append(validList, k)
		}
		slices.Sort(validList)
		p.errors = append(p.errors, fmt.Sprintf("%s must be one of: %s", envName, strings.Join(validList, ", ")))
		return
	}

	*target = normalized
}
