package ptybroker

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rootbox-run/rootbox/internal/config"
)

func TestOpenAllocatesPair(t *testing.T) {
	b, err := Open(config.Pty{DefaultRows: 24, DefaultCols: 80})
	require.NoError(t, err)
	defer b.Close()

	assert.NotNil(t, b.Master)
	assert.NotNil(t, b.Slave)
}

func TestCloseIsIdempotent(t *testing.T) {
	b, err := Open(config.Pty{DefaultRows: 24, DefaultCols: 80})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}

func TestMakeHostRawNoopWhenNotATerminal(t *testing.T) {
	b, err := Open(config.Pty{DefaultRows: 24, DefaultCols: 80})
	require.NoError(t, err)
	defer b.Close()

	// stdinFd here is whatever the test binary's stdin is — in CI that is
	// never a terminal, so both calls must be no-ops that succeed.
	require.NoError(t, b.MakeHostRaw())
	require.NoError(t, b.RestoreHost())
}

func TestRelayEndsOnStdinEOF(t *testing.T) {
	// A stdin already at EOF (e.g. redirected from a closed pipe) must end
	// Relay promptly: unix.Read returns (0, nil) on EOF, not an error, so
	// the loop must treat that as end-of-stream rather than spinning.
	b, err := Open(config.Pty{DefaultRows: 24, DefaultCols: 80})
	require.NoError(t, err)
	defer b.Close()

	devNull, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer devNull.Close()

	origStdin := os.Stdin
	os.Stdin = devNull
	defer func() { os.Stdin = origStdin }()

	done := make(chan error, 1)
	go func() { done <- b.Relay() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Relay did not return on stdin EOF")
	}
}

func TestFdSetRoundTrip(t *testing.T) {
	var set unix.FdSet
	fdSet(&set, 3)
	fdSet(&set, 130)

	assert.True(t, fdIsSet(&set, 3))
	assert.True(t, fdIsSet(&set, 130))
	assert.False(t, fdIsSet(&set, 4))
	assert.False(t, fdIsSet(&set, 129))
}
