// Package config loads this engine's operational defaults from the
// environment, the same way the teacher's main.go optionally reads a
// .env file via godotenv before falling back to process environment
// variables. spec.md §6 requires no environment to run; every value
// here has a spec-mandated default and Load never fails on a missing
// or malformed variable — it logs nothing and silently keeps the
// default, since a misconfigured knob should degrade to spec behavior,
// not crash a process that otherwise needs no configuration at all.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"midici-pe-engine/initiator"
	"midici-pe-engine/trace"
)

// Config holds every environment-tunable default named in spec.md §6.
type Config struct {
	RequestTimeout   time.Duration
	DeviceConcurrency int64
	BatchConcurrency int
	TraceCapacity    int
	VersionMajor     byte
	VersionMinor     byte
}

// Load reads PE_REQUEST_TIMEOUT, PE_DEVICE_CONCURRENCY,
// PE_BATCH_CONCURRENCY, PE_TRACE_CAPACITY, PE_VERSION_MAJOR/MINOR from
// the environment (after trying to load a .env file via godotenv,
// tolerating its absence exactly as the teacher's main.go does),
// falling back to spec.md §6's defaults (5s / 4 / 4 / 200 / 0.2) for
// anything unset or unparseable.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		RequestTimeout:    durationEnv("PE_REQUEST_TIMEOUT", initiator.DefaultRequestTimeout),
		DeviceConcurrency: int64Env("PE_DEVICE_CONCURRENCY", initiator.DefaultMaxConcurrency),
		BatchConcurrency:  intEnv("PE_BATCH_CONCURRENCY", initiator.DefaultBatchConcurrency),
		TraceCapacity:     intEnv("PE_TRACE_CAPACITY", trace.DefaultCapacity),
		VersionMajor:      byteEnv("PE_VERSION_MAJOR", initiator.VersionMajor),
		VersionMinor:      byteEnv("PE_VERSION_MINOR", initiator.VersionMinor),
	}
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs * float64(time.Second))
}

func int64Env(key string, fallback int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func intEnv(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func byteEnv(key string, fallback byte) byte {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 255 {
		return fallback
	}
	return byte(n)
}
