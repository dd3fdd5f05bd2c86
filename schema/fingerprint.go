package schema

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"lwf/codec"
)

// Fingerprint is a 32-byte BLAKE3 digest of a schema's canonical layout.
// Two schemas have the same fingerprint exactly when they produce the
// same wire layout.
type Fingerprint [32]byte

// schemaDomainKey keys the hash so fingerprints never collide with
// digests of the same bytes computed for other purposes.
var schemaDomainKey = [32]byte{
	'l', 'w', 'f', '.', 's', 'c', 'h', 'e', 'm', 'a', 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// String returns the hex form used in envelopes and registry keys.
func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Short returns the first 8 bytes in hex, for logs.
func (f Fingerprint) Short() string { return hex.EncodeToString(f[:8]) }

// IsZero reports whether f is the zero fingerprint.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// ParseFingerprint parses the 64-character hex form.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("parsing schema fingerprint: %w", err)
	}
	if len(decoded) != len(f) {
		return f, fmt.Errorf("schema fingerprint is %d bytes, want %d", len(decoded), len(f))
	}
	copy(f[:], decoded)
	return f, nil
}

// canonical writes the field list with the primitive codec:
// count, then name, type byte and isArray per field.
func canonical(fields []Field) []byte {
	e := codec.NewEncoder(16 * (len(fields) + 1))
	e.WriteUvarint(uint64(len(fields)))
	for _, f := range fields {
		e.WriteStr(f.Name)
		e.WriteByte(byte(f.Spec.Type))
		e.WriteBool(f.Spec.IsArray)
	}
	return e.Bytes()
}

func fingerprintOf(fields []Field) Fingerprint {
	// NewKeyed only fails for keys that are not 32 bytes long.
	hasher, err := blake3.NewKeyed(schemaDomainKey[:])
	if err != nil {
		panic("schema: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(canonical(fields))
	var f Fingerprint
	copy(f[:], hasher.Sum(nil))
	return f
}
