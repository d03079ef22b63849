// Package journal streams records out of the host's systemd journal.
//
// It shells out to journalctl with JSON output and turns each line
// into a normalized Record. The stream is finite: it ends at EOF, when
// the requested record count is reached, or when the context is
// canceled. Malformed lines are skipped and counted, never fatal.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"

	"go.uber.org/zap"

	"github.com/chimera-logmind/chimera/pkg/timeutil"
)

// DefaultBin is the journal tool invoked unless overridden (tests
// point this at a fixture script).
const DefaultBin = "journalctl"

// ErrUnavailable reports that the journal tool could not be launched.
var ErrUnavailable = errors.New("journal unavailable")

// maxCursorLen bounds cursor tokens before they reach a command line.
const maxCursorLen = 512

// cursorPattern matches journald's base64-like cursor alphabet.
// Anything else is rejected outright rather than passed to the shell.
var cursorPattern = regexp.MustCompile(`^[A-Za-z0-9+/=_;.-]+$`)

// ValidCursor reports whether a cursor token is safe to hand to the
// journal tool.
func ValidCursor(cursor string) bool {
	return cursor != "" && len(cursor) <= maxCursorLen && cursorPattern.MatchString(cursor)
}

// priorityNames maps journald's numeric PRIORITY field to syslog level
// names. Values outside 0-7 pass through as-is.
var priorityNames = map[string]string{
	"0": "emerg",
	"1": "alert",
	"2": "crit",
	"3": "err",
	"4": "warning",
	"5": "notice",
	"6": "info",
	"7": "debug",
}

// Record is one normalized journal entry. TS is zero when the source
// timestamp was missing or unparseable; the ingestor drops such
// records.
type Record struct {
	TS       int64 // Unix microseconds, UTC
	Hostname string
	Unit     string
	Severity string
	Message  string
	Cursor   string
}

// rawEntry is the subset of journald JSON fields Chimera consumes.
type rawEntry struct {
	RealtimeTS string          `json:"__REALTIME_TIMESTAMP"`
	Cursor     string          `json:"__CURSOR"`
	Hostname   string          `json:"_HOSTNAME"`
	Unit       string          `json:"_SYSTEMD_UNIT"`
	Identifier string          `json:"SYSLOG_IDENTIFIER"`
	Priority   string          `json:"PRIORITY"`
	Message    json.RawMessage `json:"MESSAGE"`
}

// Reader launches and owns journal subprocesses.
type Reader struct {
	Bin string
	log *zap.Logger
}

// NewReader returns a Reader invoking the given binary, or DefaultBin
// when bin is empty.
func NewReader(bin string, logger *zap.Logger) *Reader {
	if bin == "" {
		bin = DefaultBin
	}
	return &Reader{Bin: bin, log: logger}
}

// Stream starts the journal tool and returns a Stream of its records.
//
// When afterCursor is non-empty the tool resumes immediately after
// that position; otherwise it reads the window now-windowSeconds..now.
// maxRecords > 0 bounds the stream. A launch failure wraps
// ErrUnavailable.
func (r *Reader) Stream(ctx context.Context, windowSeconds int, maxRecords int, afterCursor string) (*Stream, error) {
	if windowSeconds < 1 {
		return nil, fmt.Errorf("window must be at least 1 second, got %d", windowSeconds)
	}
	if afterCursor != "" && !ValidCursor(afterCursor) {
		return nil, fmt.Errorf("invalid journal cursor")
	}

	args := []string{"--no-pager", "-o", "json"}
	if afterCursor != "" {
		args = append(args, "--after-cursor", afterCursor)
	} else {
		args = append(args, "--since", fmt.Sprintf("-%ds", windowSeconds))
	}
	if maxRecords > 0 {
		args = append(args, "-n", fmt.Sprintf("%d", maxRecords))
	}

	cmd := exec.CommandContext(ctx, r.Bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: launching %s: %v", ErrUnavailable, r.Bin, err)
	}
	r.log.Debug("journal reader started",
		zap.String("bin", r.Bin), zap.Strings("args", args))

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	return &Stream{
		cmd:     cmd,
		scanner: sc,
		max:     maxRecords,
		log:     r.log,
	}, nil
}

// Stream is a lazy, finite sequence of journal records.
type Stream struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	log     *zap.Logger

	max      int
	emitted  int
	skipped  int
	finished bool
	waitErr  error
}

// Next returns the next record, or io.EOF when the stream is done.
// Malformed JSON lines are skipped and counted.
func (s *Stream) Next() (*Record, error) {
	if s.finished {
		return nil, io.EOF
	}
	for {
		if s.max > 0 && s.emitted >= s.max {
			s.finish()
			return nil, io.EOF
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				s.finish()
				return nil, fmt.Errorf("reading journal output: %w", err)
			}
			s.finish()
			return nil, io.EOF
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw rawEntry
		if err := json.Unmarshal(line, &raw); err != nil {
			s.skipped++
			s.log.Debug("skipping malformed journal line", zap.Error(err))
			continue
		}
		s.emitted++
		return normalize(&raw), nil
	}
}

// Skipped returns how many malformed lines were dropped so far.
func (s *Stream) Skipped() int {
	return s.skipped
}

// Close reaps the subprocess. A non-zero exit after records were
// emitted is not an error: those records stand and the caller decides
// what to commit. A failure with no output at all surfaces as
// ErrUnavailable so the ingestor can report the tool as broken.
// Idempotent: calling again returns the same result.
func (s *Stream) Close() error {
	s.finish()
	if s.waitErr != nil && s.emitted == 0 && s.skipped == 0 {
		return fmt.Errorf("%w: %v", ErrUnavailable, s.waitErr)
	}
	return nil
}

// finish reaps the subprocess exactly once; the abnormal-exit warning
// lives here so repeated Close calls do not repeat it.
func (s *Stream) finish() {
	if s.finished {
		return
	}
	s.finished = true
	// Drain so the child is not blocked on a full pipe before Wait.
	for s.scanner.Scan() {
	}
	s.waitErr = s.cmd.Wait()
	if s.waitErr != nil && (s.emitted > 0 || s.skipped > 0) {
		s.log.Warn("journal tool exited abnormally after emitting records",
			zap.Int("emitted", s.emitted), zap.Error(s.waitErr))
	}
}

// normalize maps a raw journald entry onto Chimera's record shape:
// numeric priority to level name, realtime timestamp to microseconds,
// systemd unit falling back to the syslog identifier.
func normalize(raw *rawEntry) *Record {
	rec := &Record{
		Hostname: raw.Hostname,
		Unit:     raw.Unit,
		Message:  decodeMessage(raw.Message),
		Cursor:   raw.Cursor,
	}
	if rec.Unit == "" {
		rec.Unit = raw.Identifier
	}
	if name, ok := priorityNames[raw.Priority]; ok {
		rec.Severity = name
	} else {
		rec.Severity = raw.Priority
	}
	if us, ok := timeutil.ParseJournalMicros(raw.RealtimeTS); ok {
		rec.TS = us
	}
	return rec
}

// decodeMessage handles journald's two MESSAGE encodings: a JSON
// string, or an array of bytes when the payload is not valid UTF-8.
func decodeMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var b []byte
	if err := json.Unmarshal(raw, &b); err == nil {
		return string(b)
	}
	return ""
}
