package ntfsrescue

import (
	"time"
	"unicode/utf16"

	"encoding/binary"
)

var (
	defaultEncoding = binary.LittleEndian
)

// filetimeEpochDelta is the number of 100ns intervals between the Windows
// epoch (1601-01-01) and the Unix epoch (1970-01-01).
const filetimeEpochDelta = 116444736000000000

// Filetime is a Windows timestamp: 100ns intervals since 1601-01-01 UTC.
type Filetime uint64

// Unix returns the timestamp as seconds since the Unix epoch.
func (ft Filetime) Unix() int64 {
	return (int64(ft) - filetimeEpochDelta) / 10000000
}

// Time returns the timestamp as a UTC time.Time.
func (ft Filetime) Time() time.Time {
	delta := int64(ft) - filetimeEpochDelta

	return time.Unix(delta/10000000, (delta%10000000)*100).UTC()
}

// FiletimeFromTime returns the Filetime for a given time.Time.
func FiletimeFromTime(t time.Time) Filetime {
	return Filetime(t.UnixNano()/100 + filetimeEpochDelta)
}

// DecodeUtf16String returns a string from raw UTF-16LE data holding the given
// number of code units.
func DecodeUtf16String(raw []byte, charCount int) string {
	units := make([]uint16, charCount)
	for i := 0; i < charCount; i++ {
		units[i] = uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
	}

	return string(utf16.Decode(units))
}

// EncodeUtf16String returns the UTF-16LE encoding of a string.
func EncodeUtf16String(s string) []byte {
	units := utf16.Encode([]rune(s))

	raw := make([]byte, len(units)*2)
	for i, unit := range units {
		defaultEncoding.PutUint16(raw[i*2:], unit)
	}

	return raw
}
