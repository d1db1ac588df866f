// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MessageType is the kind of transport frame a payload travels in.
type MessageType int

const (
	MessageBinary MessageType = iota + 1
	MessageText
)

func (t MessageType) String() string {
	switch t {
	case MessageBinary:
		return "binary"
	case MessageText:
		return "text"
	}
	return "unknown"
}

// Codec encodes/decodes envelopes to and from frame payloads.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	// MessageType is the frame type encoded payloads are written with.
	MessageType() MessageType
}

// MsgpackCodec is the binary codec used on the wire by default.
// Extension types Timestamp and Nested are understood in both directions.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Annotate(err, "msgpack encode")
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte, v any) error {
	if err := unmarshalMsgpack(data, v); err != nil {
		return errors.Annotatef(ErrMalformedPayload, "msgpack decode: %v", err)
	}
	return nil
}

func (MsgpackCodec) MessageType() MessageType { return MessageBinary }

// unmarshalMsgpack decodes integers into int64/uint64 and floats into
// float64 when the target is an interface, so payloads look the same
// whichever frame type carried them.
func unmarshalMsgpack(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// JSONCodec is used for text frames.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Annotate(err, "json encode")
	}
	return b, nil
}

func (JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Annotatef(ErrMalformedPayload, "json decode: %v", err)
	}
	return nil
}

func (JSONCodec) MessageType() MessageType { return MessageText }

// defaultCodec is used when no codec is specified
var defaultCodec Codec = MsgpackCodec{}

// codecFor picks the codec able to decode an inbound frame. The configured
// codec wins when it matches the frame type.
func codecFor(configured Codec, t MessageType) Codec {
	if configured != nil && configured.MessageType() == t {
		return configured
	}
	if t == MessageText {
		return JSONCodec{}
	}
	return MsgpackCodec{}
}

// CodecByName returns the codec registered under name ("msgpack" or "json").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return MsgpackCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	}
	return nil, errors.NotSupportedf("codec %q", name)
}
