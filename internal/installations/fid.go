package installations

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"regexp"
)

const fidLength = 22

var validFID = regexp.MustCompile(`^[cdef][\w-]{21}$`)

// InvalidFID is returned by GenerateFID when no valid FID could be created.
// Registration of this value is rejected by the server.
const InvalidFID = ""

// GenerateFID returns a new random FID: 17 random bytes where the first four
// bits are replaced with the FID header 0b0111, base64url-encoded and cut to
// 22 characters.
func GenerateFID() string {
	return generateFID(rand.Reader)
}

func generateFID(r io.Reader) string {
	b := make([]byte, 17)
	if _, err := io.ReadFull(r, b); err != nil {
		return InvalidFID
	}
	b[0] = 0b0111_0000 | (b[0] & 0b0000_1111)

	fid := base64.RawURLEncoding.EncodeToString(b)[:fidLength]
	if !IsValidFID(fid) {
		return InvalidFID
	}
	return fid
}

// IsValidFID reports whether fid has the FID format.
func IsValidFID(fid string) bool {
	return validFID.MatchString(fid)
}
