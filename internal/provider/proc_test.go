package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-ai/paseo/internal/common/logger"
)

func TestProcessConcurrentWaitAndShutdown(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	proc, err := spawn("", "cat", nil, nil, log)
	require.NoError(t, err)

	// A session's watcher and Close both wait on the same subprocess; both
	// must observe the same exit result instead of one getting a spurious
	// "Wait was already called" error.
	watch := make(chan error, 1)
	go func() { watch <- proc.wait() }()

	shutdownErr := proc.shutdown(2 * time.Second)

	var watchErr error
	select {
	case watchErr = <-watch:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent wait never returned")
	}
	assert.Equal(t, shutdownErr, watchErr)
}

func TestProcessWaitIsIdempotent(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	proc, err := spawn("", "true", nil, nil, log)
	require.NoError(t, err)

	first := proc.wait()
	second := proc.wait()
	assert.Equal(t, first, second)
}
