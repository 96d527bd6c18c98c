package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"midici-pe-engine/initiator"
)

func TestLoadDefaultsWhenUnset(t *testing.T) {
	for _, key := range []string{"PE_REQUEST_TIMEOUT", "PE_DEVICE_CONCURRENCY", "PE_BATCH_CONCURRENCY", "PE_TRACE_CAPACITY", "PE_VERSION_MAJOR", "PE_VERSION_MINOR"} {
		require.NoError(t, os.Unsetenv(key))
	}

	cfg := Load()
	require.Equal(t, initiator.DefaultRequestTimeout, cfg.RequestTimeout)
	require.EqualValues(t, initiator.DefaultMaxConcurrency, cfg.DeviceConcurrency)
	require.Equal(t, initiator.DefaultBatchConcurrency, cfg.BatchConcurrency)
	require.EqualValues(t, initiator.VersionMajor, cfg.VersionMajor)
	require.EqualValues(t, initiator.VersionMinor, cfg.VersionMinor)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("PE_REQUEST_TIMEOUT", "2.5")
	t.Setenv("PE_DEVICE_CONCURRENCY", "8")
	t.Setenv("PE_TRACE_CAPACITY", "500")

	cfg := Load()
	require.Equal(t, 2500*time.Millisecond, cfg.RequestTimeout)
	require.EqualValues(t, 8, cfg.DeviceConcurrency)
	require.Equal(t, 500, cfg.TraceCapacity)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("PE_BATCH_CONCURRENCY", "not-a-number")
	cfg := Load()
	require.Equal(t, initiator.DefaultBatchConcurrency, cfg.BatchConcurrency)
}
