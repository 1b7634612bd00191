package source

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/a7comix/a7comix/a7comix"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// NewDocumentID returns an id of the document at path. A modified file gets a new id, so
// cached renders of the previous version are never used.
//
// The path is normalized to NFC: macOS file systems return names in NFD.
func NewDocumentID(path string, modTime time.Time, size int64) a7comix.DocumentID {
	var b []byte
	b = append(b, norm.NFC.String(path)...)
	b = append(b, 0)
	b = strconv.AppendInt(b, modTime.UnixNano(), 10)
	b = append(b, 0)
	b = strconv.AppendInt(b, size, 10)

	sum := blake2b.Sum256(b)
	return a7comix.DocumentID(hex.EncodeToString(sum[:16]))
}
