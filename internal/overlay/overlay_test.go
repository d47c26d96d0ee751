package overlay

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLowerDirOrdering covers spec.md §8 scenario 3: with image "/img" and
// extra layers ["A", "B"] (stacked above the image in that order, so "B" is
// topmost), the computed lowerdir= option is "B:A:/img" — the image sinks to
// the bottom.
func TestLowerDirOrdering(t *testing.T) {
	s, err := New("/img", []string{"A", "B"}, "")
	require.NoError(t, err)
	defer s.Cleanup()

	assert.Equal(t, "B:A:/img", s.LowerDirOption())
}

func TestLowerDirOrderingNoExtras(t *testing.T) {
	s, err := New("/img", nil, "")
	require.NoError(t, err)
	defer s.Cleanup()

	assert.Equal(t, "/img", s.LowerDirOption())
}

func TestNewAllocatesEphemeralUpperByDefault(t *testing.T) {
	s, err := New("/img", nil, "")
	require.NoError(t, err)
	defer s.Cleanup()

	assert.NotEmpty(t, s.ephemeralUpper)
	assert.Equal(t, s.ephemeralUpper, s.upperPath())

	for _, dir := range []string{s.MergedRoot(), s.work, s.ephemeralUpper} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestNewUsesPersistUpperWhenGiven(t *testing.T) {
	dir := t.TempDir()
	persist := dir + "/upper"

	s, err := New("/img", nil, persist)
	require.NoError(t, err)
	defer s.Cleanup()

	assert.Empty(t, s.ephemeralUpper)
	assert.Equal(t, persist, s.upperPath())

	info, err := os.Stat(persist)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCleanupRemovesEphemeralButNotPersist(t *testing.T) {
	dir := t.TempDir()
	persist := dir + "/upper"

	s, err := New("/img", nil, persist)
	require.NoError(t, err)

	merged, work := s.MergedRoot(), s.work
	require.NoError(t, s.Cleanup())

	_, err = os.Stat(merged)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(work)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(persist)
	assert.NoError(t, err, "persistent upper must survive Cleanup")
}

func TestMountAtRequiresRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root: mount(2) would actually succeed")
	}
	s, err := New("/img", nil, "")
	require.NoError(t, err)
	defer s.Cleanup()

	err = MountAt(s.MergedRoot(), s.MountOptions())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "OverlayFsError"))
}
