package thermo

import (
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// utf16LE is the encoding of every string stored in scan and setup files.
var utf16LE = lookupUTF16LE()

func lookupUTF16LE() encoding.Encoding {
	if e, _ := charset.Lookup("utf-16le"); e != nil {
		return e
	}
	return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
}

// decodeString converts UTF-16LE bytes to a string with NULs removed.
func decodeString(b []byte) (string, error) {
	if len(b)%2 == 1 {
		b = b[:len(b)-1]
	}
	s, err := utf16LE.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(s), "\x00", ""), nil
}

// encodeString converts s to UTF-16LE, padded with NULs to at least
// minUnits code units.
func encodeString(s string, minUnits int) ([]byte, error) {
	b, err := utf16LE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, err
	}
	for len(b) < 2*minUnits {
		b = append(b, 0, 0)
	}
	return b, nil
}
