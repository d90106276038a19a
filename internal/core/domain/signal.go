package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// Signal is one opaque negotiation message. The relay client never looks inside.
type Signal json.RawMessage

func (s Signal) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

func (s *Signal) UnmarshalJSON(data []byte) error {
	if s == nil {
		return errors.New("domain.Signal: UnmarshalJSON on nil pointer")
	}
	*s = append((*s)[0:0], data...)
	return nil
}

func (s Signal) Empty() bool {
	return len(bytes.TrimSpace(s)) == 0 || string(bytes.TrimSpace(s)) == "null"
}

// Digest identifies a signal independent of insignificant whitespace.
func (s Signal) Digest() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, s); err != nil {
		buf.Reset()
		buf.Write(s)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
