// Package compare decides whether a desktop event and a device record
// still hold the same appointment.
package compare

import (
	"bytes"

	"palmcal/internal/model"
	"palmcal/internal/translate"
)

// Equal re-encodes ev and compares it byte for byte, length included,
// with the device buffer. An event that cannot be encoded is never equal.
func Equal(t *translate.Translator, ev model.Event, device []byte) (bool, error) {
	_, data, err := t.EncodeBytes(ev)
	if err != nil {
		return false, err
	}
	return bytes.Equal(data, device), nil
}

// Record is like Equal but also compares the secret flag, which travels
// as a record attribute rather than in the buffer.
func Record(t *translate.Translator, ev model.Event, device []byte, secret bool) (bool, error) {
	rec, data, err := t.EncodeBytes(ev)
	if err != nil {
		return false, err
	}
	return rec.Secret == secret && bytes.Equal(data, device), nil
}
