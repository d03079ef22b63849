// chimera is the thin command-line client for the Chimera daemon.
//
// It composes one request line from its arguments, sends it over the
// API socket, and copies the response to stdout:
//
//	chimera PING
//	chimera INGEST_JOURNAL 3600
//	chimera QUERY_LOGS min_severity=err contains="disk failure" limit=50
//	chimera DISCOVER UNITS since=86400
//
// The socket path comes from CHIMERA_API_SOCKET, falling back to the
// same per-user resolution the daemon applies.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chimera-logmind/chimera/internal/config"
	"github.com/chimera-logmind/chimera/internal/protocol"
)

func main() {
	var socket string

	root := &cobra.Command{
		Use:           "chimera VERB [ARG...]",
		Short:         "Send one request to the Chimera daemon",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" {
				socket = config.FromEnv().ResolveSocketPath()
			}
			return send(socket, args, cmd.OutOrStdout())
		},
	}
	root.Flags().StringVar(&socket, "socket", "", "API socket path (default: CHIMERA_API_SOCKET)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chimera: %v\n", err)
		os.Exit(1)
	}
}

// send writes one request line and streams the response until the
// daemon closes the connection.
func send(socket string, args []string, out io.Writer) error {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", socket, err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, composeLine(args)); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	if _, err := io.Copy(out, conn); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	return nil
}

// composeLine re-quotes shell-split arguments so values containing
// spaces survive the trip through the line protocol.
func composeLine(args []string) string {
	parts := make([]string, 0, len(args))
	parts = append(parts, strings.ToUpper(args[0]))
	for _, a := range args[1:] {
		if i := strings.IndexByte(a, '='); i > 0 {
			parts = append(parts, a[:i+1]+protocol.QuoteValue(a[i+1:]))
		} else {
			parts = append(parts, protocol.QuoteValue(a))
		}
	}
	return strings.Join(parts, " ") + "\n"
}
