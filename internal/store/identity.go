package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/chimera-logmind/chimera/pkg/timeutil"
)

// fingerprintSep joins the canonical tuple. The unit separator cannot
// appear in any normalized field, so distinct tuples never collide on
// concatenation.
const fingerprintSep = "\x1f"

// Fingerprint derives the stable content hash of a log record from its
// canonical tuple (ts, hostname, unit, source, severity, message).
// Empty fields encode as empty strings, so two records differing only
// in which fields are absent still fingerprint differently.
func Fingerprint(tsMicros int64, hostname, unit, source, severity, message string) string {
	canonical := strings.Join([]string{
		timeutil.FormatISO(tsMicros),
		hostname,
		unit,
		source,
		severity,
		message,
	}, fingerprintSep)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// IDForFingerprint derives the row id: the first 8 bytes of
// SHA-256(fingerprint) read big-endian, with the top bit cleared so
// the value fits a signed 64-bit column. The same fingerprint yields
// the same id on every run and every host.
func IDForFingerprint(fingerprint string) int64 {
	sum := sha256.Sum256([]byte(fingerprint))
	return int64(binary.BigEndian.Uint64(sum[:8]) &^ (uint64(1) << 63))
}
