package session

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// chdir changes the working directory for the duration of the test,
// restoring the previous directory on cleanup (t.Chdir needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		require.NoError(t, os.Chdir(old))
	})
}
