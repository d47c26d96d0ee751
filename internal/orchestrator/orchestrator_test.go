package orchestrator

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rootbox-run/rootbox/internal/config"
)

func TestChildSpecRoundTrip(t *testing.T) {
	spec := ChildSpec{
		FinalRoot:       "/tmp/merged",
		UseOverlay:      true,
		OverlayOptions:  "lowerdir=/img,upperdir=/up,workdir=/wk",
		MountNamespace:  true,
		Mounts:          config.Default().Mounts,
		MakeRootPrivate: true,
		Hostname:        "rootbox",
		UtsEnabled:      true,
		NoNewPrivs:      true,
		Command:         "/bin/sh",
		Args:            []string{"-c", "echo hi"},
	}

	raw, err := json.Marshal(spec)
	require.NoError(t, err)

	var got ChildSpec
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, spec, got)
}

// TestLaunchMissingRootIsPathError covers spec.md §8 scenario 2: entering
// with a nonexistent root directory fails fast, as a PathError, before any
// namespace change.
func TestLaunchMissingRootIsPathError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	code, err := Launch(logger, Request{
		Config:  config.Default(),
		RootDir: "/nonexistent/rootbox-test-path",
		Command: "/bin/true",
	})

	require.Error(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, err.Error(), "PathError")
}

func TestLaunchMissingExtraLayerIsPathError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	code, err := Launch(logger, Request{
		Config:      config.Default(),
		RootDir:     t.TempDir(),
		UseOverlay:  true,
		ExtraLayers: []string{"/nonexistent/extra-layer"},
		Command:     "/bin/true",
	})

	require.Error(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, err.Error(), "PathError")
}

func TestIsChildReexecFalseForNormalArgs(t *testing.T) {
	orig := os.Args
	defer func() { os.Args = orig }()

	os.Args = []string{"rootbox", "enter", "/tmp", "/bin/true"}
	assert.False(t, IsChildReexec())

	os.Args = []string{"rootbox", childArg}
	assert.True(t, IsChildReexec())
}
