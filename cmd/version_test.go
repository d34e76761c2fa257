package cmd

import (
	"bytes"
	"testing"

	"github.com/NanduBit/Discord-For-Bots/dashboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := dashboard.Version
	originalCommitSHA := dashboard.CommitSHA
	originalBuildTime := dashboard.BuildTime

	t.Cleanup(
		func() {
			dashboard.Version = originalVersion
			dashboard.CommitSHA = originalCommitSHA
			dashboard.BuildTime = originalBuildTime
		},
	)

	dashboard.Version = "1.0.0"
	dashboard.CommitSHA = "abc123"
	dashboard.BuildTime = "2023-10-01T12:00:00Z"

	out := captureOutput(t)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(
		t,
		"version=1.0.0 commit=abc123 built: 2023-10-01T12:00:00Z\n",
		out.String(),
	)
}

// captureOutput redirects rootCmd's output to the returned buffer for
// the rest of the test
func captureOutput(t testing.TB) *bytes.Buffer {
	t.Helper()
	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.ErrOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	return &out
}
