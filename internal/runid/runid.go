// Package runid mints unique identifiers for spilled run files.
package runid

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// idEncoding is base32hex (RFC 4648) lowercase without padding. The
// alphabet 0-9a-v preserves byte order, so the encoded UUIDv7s sort by
// creation time; nothing here relies on that order, and the alphabet also
// keeps filenames shell- and URL-safe.
var idEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// ID uniquely identifies a spilled run file. It is a UUIDv7: 16 bytes,
// rendered as a 26-character lowercase base32hex string for use as a
// filename.
type ID [16]byte

// New mints a fresh run ID from a UUIDv7.
func New() ID {
	return ID(uuid.Must(uuid.NewV7()))
}

// String returns the 26-character base32hex encoding of the ID.
func (id ID) String() string {
	return strings.ToLower(idEncoding.EncodeToString(id[:]))
}

// Parse decodes a 26-character base32hex string into an ID.
func Parse(value string) (ID, error) {
	if len(value) != 26 {
		return ID{}, fmt.Errorf("runid: invalid length %d (want 26)", len(value))
	}
	decoded, err := idEncoding.DecodeString(strings.ToUpper(value))
	if err != nil {
		return ID{}, fmt.Errorf("runid: invalid id: %w", err)
	}
	var id ID
	copy(id[:], decoded)
	return id, nil
}
