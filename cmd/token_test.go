package cmd

import (
	"io"
	"strings"
	"testing"

	"github.com/NanduBit/Discord-For-Bots/dashboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadToken(t *testing.T) {
	token, err := readToken(strings.NewReader("abc.def.ghi\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi\n", string(token))

	token, err = readToken(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", string(token))
}

func TestCheckTokenCommand_EmptyToken(t *testing.T) {
	t.Cleanup(
		func() {
			customTokenReader = nil
		},
	)
	customTokenReader = func(io.Reader) ([]byte, error) {
		return []byte("   \n"), nil
	}

	out := captureOutput(t)
	rootCmd.SetArgs([]string{"check-token"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, dashboard.ErrMissingCredential)
	assert.Contains(t, out.String(), "Enter bot token:")
}
