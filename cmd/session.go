package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"flying/internal/connection"
	"flying/internal/password"
	"flying/internal/transfer"
)

const passwordWords = 3

type modeFlags struct {
	listen  bool
	connect string
}

func (m *modeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&m.listen, "listen", "l", false, "listen for an incoming connection")
	cmd.Flags().StringVarP(&m.connect, "connect", "c", "", "connect to the peer at `IP` (or IP:port)")
	cmd.MarkFlagsMutuallyExclusive("listen", "connect")
}

func (m modeFlags) mode() connection.Mode {
	switch {
	case m.connect != "":
		return connection.Connect{Address: m.connect}
	case m.listen:
		return connection.Listen{}
	default:
		return connection.AutoDiscover{}
	}
}

// sessionPassword uses the password argument when given. Otherwise a listening
// peer generates one to show its user, and other modes prompt for it.
func (a *app) sessionPassword(mode connection.Mode, args []string) (string, error) {
	if len(args) > 0 {
		if pw := strings.TrimSpace(args[0]); pw != "" {
			return pw, nil
		}
	}
	if _, ok := mode.(connection.Listen); ok {
		return password.Generate(passwordWords, "-")
	}
	return password.Prompt(a.stdin, a.stdout)
}

func printBanner(w io.Writer, role, pw string, mode connection.Mode, outDir string) {
	const rule = "==========================================="
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "Flying - File Transfer Tool")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Mode: %s\n", role)
	fmt.Fprintf(w, "Password: %s\n", pw)
	if outDir != "" {
		fmt.Fprintf(w, "Output directory: %q\n", outDir)
	}
	fmt.Fprintf(w, "Connection: %s\n", mode)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w)
}

func printTotals(w io.Writer, results []transfer.Result) {
	var done, skipped int
	var bytes int64
	for _, r := range results {
		switch r.Status {
		case transfer.COMPLETED:
			done++
			bytes += r.Bytes
		case transfer.SKIPPED:
			skipped++
		}
	}
	fmt.Fprintf(w, "\nTransferred %d file(s) (%s), skipped %d\n", done, transfer.FormatSize(bytes), skipped)
}
