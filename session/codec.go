package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CurrentSchemaVersion is the leading byte written by [Encode].
const CurrentSchemaVersion = 1

// ErrCorruptRecord is returned when a stored blob cannot be decoded.
var ErrCorruptRecord = errors.New("session record corrupt")

type errInvalidRecord string

func (e errInvalidRecord) Error() string { return "invalid session record: " + string(e) }

// Encode serializes r as a version byte followed by its JSON form. Metadata must be
// JSON-encodable.
func Encode(r *Record) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, CurrentSchemaVersion)
	return append(out, body...), nil
}

// Decode parses a blob produced by [Encode].
func Decode(data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrCorruptRecord)
	}
	if data[0] != CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: unsupported session schema version %d", ErrCorruptRecord, data[0])
	}

	r := &Record{}
	if err := json.Unmarshal(data[1:], r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return r, nil
}
