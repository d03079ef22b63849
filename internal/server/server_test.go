package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chimera-logmind/chimera/internal/config"
	"github.com/chimera-logmind/chimera/internal/ingest"
	"github.com/chimera-logmind/chimera/internal/journal"
	"github.com/chimera-logmind/chimera/internal/store"
	"github.com/chimera-logmind/chimera/pkg/timeutil"
)

// newTestStack assembles a full daemon stack on a throwaway socket
// without starting it. An empty journalBin points at a path that does
// not exist.
func newTestStack(t *testing.T, journalBin string) (*Server, *store.Store) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if journalBin == "" {
		journalBin = filepath.Join(dir, "no-such-journalctl")
	}
	ing := ingest.New(st, journal.NewReader(journalBin, zap.NewNop()), zap.NewNop())

	cfg := config.Config{SocketPath: filepath.Join(dir, "api.sock")}
	return New(cfg, st, ing, zap.NewNop()), st
}

// startServer brings up the stack, serves it until test cleanup, and
// returns the socket path and the store for seeding.
func startServer(t *testing.T, journalBin string) (string, *store.Store) {
	t.Helper()

	srv, st := newTestStack(t, journalBin)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return srv.SocketPath(), st
}

// roundTrip sends one request line and reads the whole response.
func roundTrip(t *testing.T, socket, line string) string {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dialing %s: %v", socket, err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		t.Fatalf("sending request: %v", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return string(resp)
}

func seedLogs(t *testing.T, st *store.Store, entries []store.LogEntry) {
	t.Helper()
	if _, err := st.InsertBatch(context.Background(), entries, "journal", ""); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
}

func entry(ts int64, unit, severity, message string) store.LogEntry {
	fp := store.Fingerprint(ts, "test-host", unit, "journal", severity, message)
	return store.LogEntry{
		ID:          store.IDForFingerprint(fp),
		TS:          ts,
		Hostname:    "test-host",
		Unit:        unit,
		Source:      "journal",
		Severity:    severity,
		Message:     message,
		Fingerprint: fp,
	}
}

// TestPing verifies liveness over a fresh socket.
func TestPing(t *testing.T) {
	socket, _ := startServer(t, "")
	if got := roundTrip(t, socket, "PING"); got != "PONG\n" {
		t.Errorf("PING: got %q", got)
	}
	// Verbs match case-insensitively.
	if got := roundTrip(t, socket, "ping"); got != "PONG\n" {
		t.Errorf("ping: got %q", got)
	}
}

// TestHealthAndVersion verifies the remaining scalar verbs.
func TestHealthAndVersion(t *testing.T) {
	socket, _ := startServer(t, "")
	if got := roundTrip(t, socket, "HEALTH"); got != "OK\n" {
		t.Errorf("HEALTH: got %q", got)
	}
	if got := roundTrip(t, socket, "VERSION"); got != Version+"\n" {
		t.Errorf("VERSION: got %q", got)
	}
}

// TestUnknownCommand verifies the error taxonomy for bad verbs and
// unparseable lines.
func TestUnknownCommand(t *testing.T) {
	socket, _ := startServer(t, "")
	if got := roundTrip(t, socket, "FROBNICATE"); got != "ERR unknown-command\n" {
		t.Errorf("unknown verb: got %q", got)
	}
	if got := roundTrip(t, socket, `QUERY_LOGS contains="unterminated`); got != "ERR bad-arguments\n" {
		t.Errorf("unparseable line: got %q", got)
	}
}

// TestQueryLogsEmpty verifies an empty result set is an empty NDJSON
// stream, not an error.
func TestQueryLogsEmpty(t *testing.T) {
	socket, _ := startServer(t, "")
	if got := roundTrip(t, socket, "QUERY_LOGS"); got != "" {
		t.Errorf("empty query: got %q, want empty response", got)
	}
}

// TestQueryLogsStreaming verifies the NDJSON shape, filtering and
// ordering end to end.
func TestQueryLogsStreaming(t *testing.T) {
	socket, st := startServer(t, "")
	now := timeutil.NowMicros()
	seedLogs(t, st, []store.LogEntry{
		entry(now, "sshd.service", "err", "failed password for root"),
		entry(now+1, "nginx.service", "info", "GET /healthz"),
		entry(now+2, "sshd.service", "info", "session opened"),
	})

	resp := roundTrip(t, socket, "QUERY_LOGS unit=sshd.service order=asc")
	lines := splitNDJSON(resp)
	if len(lines) != 2 {
		t.Fatalf("expected 2 rows, got %d: %q", len(lines), resp)
	}

	var first struct {
		ID       int64  `json:"id"`
		TS       string `json:"ts"`
		Unit     string `json:"unit"`
		Severity string `json:"severity"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first row is not JSON: %v (%q)", err, lines[0])
	}
	if first.Unit != "sshd.service" || first.Message != "failed password for root" {
		t.Errorf("asc ordering or filter wrong: %+v", first)
	}
	if first.TS != timeutil.FormatISO(now) {
		t.Errorf("ts wire format wrong: %q", first.TS)
	}

	// min_severity excludes the info rows.
	resp = roundTrip(t, socket, "QUERY_LOGS min_severity=err")
	if lines := splitNDJSON(resp); len(lines) != 1 {
		t.Errorf("min_severity=err: expected 1 row, got %d", len(lines))
	}

	// contains matches case-insensitively and quoted values keep
	// their spaces.
	resp = roundTrip(t, socket, `QUERY_LOGS contains="FAILED password"`)
	if lines := splitNDJSON(resp); len(lines) != 1 {
		t.Errorf("contains: expected 1 row, got %d: %q", len(lines), resp)
	}
}

// TestQueryLogsBadArguments verifies strict argument validation: a
// typo'd filter must fail, not silently widen the result set.
func TestQueryLogsBadArguments(t *testing.T) {
	socket, _ := startServer(t, "")
	cases := []string{
		"QUERY_LOGS positional",
		"QUERY_LOGS sinc=100",
		"QUERY_LOGS min_severity=fatal",
		"QUERY_LOGS order=sideways",
		"QUERY_LOGS limit=0",
		"QUERY_LOGS limit=abc",
		"QUERY_LOGS since=-5",
	}
	for _, line := range cases {
		if got := roundTrip(t, socket, line); got != "ERR bad-arguments\n" {
			t.Errorf("%q: got %q", line, got)
		}
	}
}

// TestDiscover verifies dimension aggregation over the socket.
func TestDiscover(t *testing.T) {
	socket, st := startServer(t, "")
	now := timeutil.NowMicros()
	seedLogs(t, st, []store.LogEntry{
		entry(now, "sshd.service", "info", "a"),
		entry(now+1, "sshd.service", "info", "b"),
		entry(now+2, "nginx.service", "err", "c"),
	})

	resp := roundTrip(t, socket, "DISCOVER UNITS")
	lines := splitNDJSON(resp)
	if len(lines) != 2 {
		t.Fatalf("expected 2 units, got %d: %q", len(lines), resp)
	}
	var top store.ValueCount
	if err := json.Unmarshal([]byte(lines[0]), &top); err != nil {
		t.Fatalf("row is not JSON: %v", err)
	}
	if top.Value != "sshd.service" || top.Count != 2 {
		t.Errorf("expected sshd.service=2 first, got %+v", top)
	}

	if got := roundTrip(t, socket, "DISCOVER"); got != "ERR bad-arguments\n" {
		t.Errorf("missing dimension: got %q", got)
	}
	if got := roundTrip(t, socket, "DISCOVER MESSAGES"); got != "ERR bad-arguments\n" {
		t.Errorf("unknown dimension: got %q", got)
	}
	if got := roundTrip(t, socket, "DISCOVER UNITS HOSTNAMES"); got != "ERR bad-arguments\n" {
		t.Errorf("two dimensions: got %q", got)
	}
}

// TestIngestJournalVerb verifies the full ingest round trip over the
// socket, fixture journal included.
func TestIngestJournalVerb(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "journalctl")
	script := `#!/bin/sh
cat <<'EOF'
{"__REALTIME_TIMESTAMP":"1700000000000001","__CURSOR":"c1","_HOSTNAME":"h","_SYSTEMD_UNIT":"u","PRIORITY":"6","MESSAGE":"one"}
{"__REALTIME_TIMESTAMP":"1700000000000002","__CURSOR":"c2","_HOSTNAME":"h","_SYSTEMD_UNIT":"u","PRIORITY":"6","MESSAGE":"two"}
EOF
`
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	socket, _ := startServer(t, bin)

	if got := roundTrip(t, socket, "INGEST_JOURNAL 3600"); got != "OK inserted=2 total=2\n" {
		t.Errorf("first ingest: got %q", got)
	}
	// Replay: same records, nothing new.
	if got := roundTrip(t, socket, "INGEST_JOURNAL 3600"); got != "OK inserted=0 total=2\n" {
		t.Errorf("replay ingest: got %q", got)
	}

	if got := roundTrip(t, socket, "INGEST_JOURNAL abc"); got != "ERR bad-arguments\n" {
		t.Errorf("bad seconds: got %q", got)
	}
	if got := roundTrip(t, socket, "INGEST_JOURNAL 3600 10 extra"); got != "ERR bad-arguments\n" {
		t.Errorf("extra args: got %q", got)
	}
}

// TestIngestJournalUnavailable verifies the error taxonomy when the
// journal tool cannot run.
func TestIngestJournalUnavailable(t *testing.T) {
	socket, _ := startServer(t, "")
	if got := roundTrip(t, socket, "INGEST_JOURNAL 3600"); got != "ERR journal-unavailable\n" {
		t.Errorf("got %q", got)
	}
}

// TestSocketPermissions verifies the socket binds with group-only
// access.
func TestSocketPermissions(t *testing.T) {
	socket, _ := startServer(t, "")
	info, err := os.Stat(socket)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o660 {
		t.Errorf("socket mode: got %o, want 660", perm)
	}
}

// TestOversizeRequestLine verifies the request line cap.
func TestOversizeRequestLine(t *testing.T) {
	socket, _ := startServer(t, "")

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	fmt.Fprintf(w, "QUERY_LOGS contains=%s\n", strings.Repeat("a", maxRequestLine))
	if err := w.Flush(); err != nil {
		t.Fatalf("sending oversize line: %v", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if string(resp) != "ERR bad-arguments\n" {
		t.Errorf("oversize line: got %q", resp)
	}
}

// TestShutdownDrainsInFlight verifies a request accepted before
// shutdown runs to completion during the grace period instead of
// being canceled with the accept loop.
func TestShutdownDrainsInFlight(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "journalctl")
	script := `#!/bin/sh
sleep 2
cat <<'EOF'
{"__REALTIME_TIMESTAMP":"1700000000000001","__CURSOR":"c1","_HOSTNAME":"h","_SYSTEMD_UNIT":"u","PRIORITY":"6","MESSAGE":"slow"}
EOF
`
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	srv, _ := newTestStack(t, bin)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()

	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, "INGEST_JOURNAL 3600\n"); err != nil {
		t.Fatalf("sending request: %v", err)
	}

	// Let the handler launch the journal tool, then shut the server
	// down while the ingest is still running.
	time.Sleep(300 * time.Millisecond)
	cancel()

	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if string(resp) != "OK inserted=1 total=1\n" {
		t.Errorf("in-flight request did not finish: got %q", resp)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after draining")
	}
}

// TestReadDeadline verifies a client that connects but never sends a
// request line is answered and disconnected once the read deadline
// passes.
func TestReadDeadline(t *testing.T) {
	srv, _ := newTestStack(t, "")
	srv.readTimeout = 100 * time.Millisecond
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if string(resp) != "ERR bad-arguments\n" {
		t.Errorf("silent client: got %q", resp)
	}
}

func splitNDJSON(resp string) []string {
	var lines []string
	for _, l := range strings.Split(resp, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
