// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Extension type ids.
const (
	ExtTimestamp int8 = 0x01
	ExtNested    int8 = 0x04
)

func init() {
	msgpack.RegisterExt(ExtTimestamp, (*Timestamp)(nil))
	msgpack.RegisterExt(ExtNested, (*Nested)(nil))
}

// Timestamp travels as a 4-byte little-endian count of seconds since the
// Unix epoch. Sub-second precision is lost. Encode it by pointer.
type Timestamp struct {
	time.Time
}

// NewTimestamp returns t truncated to whole seconds.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: time.Unix(t.Unix(), 0)}
}

func (ts *Timestamp) MarshalMsgpack() ([]byte, error) {
	sec := ts.Unix()
	if sec < 0 || sec > int64(^uint32(0)) {
		return nil, errors.NotValidf("timestamp %s out of range", ts.Time)
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(sec))
	return b, nil
}

func (ts *Timestamp) UnmarshalMsgpack(b []byte) error {
	if len(b) != 4 {
		return errors.NotValidf("timestamp of %d bytes", len(b))
	}
	ts.Time = time.Unix(int64(binary.LittleEndian.Uint32(b)), 0)
	return nil
}

// MarshalJSON keeps timestamps readable on text frames.
func (ts *Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.Time.UTC().Format(time.RFC3339))
}

// Nested carries a value that is itself a msgpack document.
type Nested struct {
	Value any
}

func (n *Nested) MarshalMsgpack() ([]byte, error) {
	return msgpack.Marshal(n.Value)
}

func (n *Nested) UnmarshalMsgpack(b []byte) error {
	var v any
	if err := unmarshalMsgpack(b, &v); err != nil {
		return errors.Annotate(err, "nested payload")
	}
	n.Value = v
	return nil
}

func (n *Nested) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.Value)
}
