package util_test

import (
	"path/filepath"
	"testing"

	"github.com/hetianyi/gomft/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfinedPath(t *testing.T) {
	base := filepath.Join(t.TempDir(), "data")

	path, err := util.ConfinedPath(base, "in/f.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "in", "f.bin"), path)

	path, err = util.ConfinedPath(base, "a/../b.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "b.bin"), path)

	path, err = util.ConfinedPath(base, filepath.Join(base, "abs.bin"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "abs.bin"), path)

	for _, name := range []string{
		"../x",
		"a/../../x",
		"..",
		".",
		"/etc/passwd",
		filepath.Join(filepath.Dir(base), "data2", "x"),
		"",
		"  ",
	} {
		_, err := util.ConfinedPath(base, name)
		assert.Error(t, err, name)
	}
	_, err = util.ConfinedPath(base, "../x")
	assert.Equal(t, util.ErrOutsideDataDir, err)
}
