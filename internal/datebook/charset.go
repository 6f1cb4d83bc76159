package datebook

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Device strings are stored in the handheld's Latin code page. Characters
// the code page cannot represent are substituted rather than rejected, so
// a record is never skipped because of its text.

func encodeText(s string) ([]byte, error) {
	// NUL terminates strings on the device.
	s = strings.ReplaceAll(s, "\x00", "")
	enc := encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder())
	return enc.Bytes([]byte(s))
}

func decodeText(b []byte) (string, error) {
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
