package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// absent encodes an unset optional field; it can never be produced by strconv.Itoa
const absent = "-"

// KeyParams are the inputs that identify one transformed image
type KeyParams struct {
	URL     string
	Width   *int
	Height  *int
	Format  string
	Quality *int
}

// Key returns the cache key for p
func (p KeyParams) Key() string {
	return DeriveKey(p.URL, p.Width, p.Height, p.Format, p.Quality)
}

// DeriveKey hashes the transformation parameters into a 64-char lowercase hex key.
// Each field is length prefixed, so no choice of field contents can make
// two different parameter sets hash the same input.
func DeriveKey(sourceURL string, width, height *int, format string, quality *int) string {
	h := sha256.New()
	var n [8]byte
	for _, field := range []string{sourceURL, optional(width), optional(height), format, optional(quality)} {
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func optional(v *int) string {
	if v == nil {
		return absent
	}
	return strconv.Itoa(*v)
}
