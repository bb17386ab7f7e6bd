package internal

import (
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap/zapcore"
)

// DigestEntry is the highest version known for an owner.
type DigestEntry struct {
	Owner      uint64
	MaxVersion uint64
}

func (e DigestEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{e.Owner, e.MaxVersion})
}

func (e *DigestEntry) UnmarshalJSON(b []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("digest entry: %w", err)
	}
	if len(fields) != 2 {
		return fmt.Errorf("digest entry: expected 2 fields, got %d", len(fields))
	}

	owner, err := decodeUint(fields[0])
	if err != nil {
		return fmt.Errorf("digest entry: owner: %w", err)
	}
	maxVersion, err := decodeUint(fields[1])
	if err != nil {
		return fmt.Errorf("digest entry: version: %w", err)
	}
	e.Owner = owner
	e.MaxVersion = maxVersion
	return nil
}

func (e DigestEntry) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("owner", e.Owner)
	enc.AddUint64("max-version", e.MaxVersion)
	return nil
}

type Digest []DigestEntry

func (d Digest) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, e := range d {
		if err := enc.AppendObject(e); err != nil {
			return err
		}
	}
	return nil
}

// UpdateEntry is a single versioned cell sent to a peer.
type UpdateEntry struct {
	Owner   uint64
	Key     string
	Value   json.RawMessage
	Version uint64
}

func (e UpdateEntry) MarshalJSON() ([]byte, error) {
	value := e.Value
	if value == nil {
		value = json.RawMessage("null")
	}
	return json.Marshal([]interface{}{e.Owner, e.Key, value, e.Version})
}

func (e *UpdateEntry) UnmarshalJSON(b []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if len(fields) != 4 {
		return fmt.Errorf("update entry: expected 4 fields, got %d", len(fields))
	}

	owner, err := decodeUint(fields[0])
	if err != nil {
		return fmt.Errorf("update entry: owner: %w", err)
	}
	var key string
	if err := json.Unmarshal(fields[1], &key); err != nil {
		return fmt.Errorf("update entry: key: %w", err)
	}
	version, err := decodeUint(fields[3])
	if err != nil {
		return fmt.Errorf("update entry: version: %w", err)
	}

	e.Owner = owner
	e.Key = key
	e.Value = append(json.RawMessage(nil), fields[2]...)
	e.Version = version
	return nil
}

func (e UpdateEntry) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("owner", e.Owner)
	enc.AddString("key", e.Key)
	enc.AddByteString("value", e.Value)
	enc.AddUint64("version", e.Version)
	return nil
}

type Update []UpdateEntry

func (u Update) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, e := range u {
		if err := enc.AppendObject(e); err != nil {
			return err
		}
	}
	return nil
}

// decodeUint accepts either a JSON number or a decimal string, since ids
// used as object keys by other implementations arrive as strings.
func decodeUint(raw json.RawMessage) (uint64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("expected number: %s", raw)
		}
		n = json.Number(s)
	}
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}
	return v, nil
}
