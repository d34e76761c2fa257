package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/NanduBit/Discord-For-Bots/dashboard"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// tokenReader reads a bot token. It's swapped out in tests.
type tokenReader func(in io.Reader) ([]byte, error)

var customTokenReader tokenReader

// readToken reads the token without echo when stdin is a terminal, and
// otherwise reads the first line of in
func readToken(in io.Reader) ([]byte, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return term.ReadPassword(int(f.Fd()))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return []byte(line), nil
}

var tokenCmd = &cobra.Command{
	Use:   "check-token",
	Short: "Check a bot token against Discord, reading it from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		reader := customTokenReader
		if reader == nil {
			reader = readToken
		}

		fmt.Fprint(out, "Enter bot token: ")
		raw, err := reader(cmd.InOrStdin())
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("error reading token: %w", err)
		}
		token := strings.TrimSpace(string(raw))

		user, err := dashboard.CheckToken(cmd.Context(), cfg, token)
		if err != nil {
			return fmt.Errorf("token is not valid: %w", err)
		}
		fmt.Fprintf(out, "Token is valid for %s (%s)\n", user.Username, user.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
