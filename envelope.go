// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"reflect"
	"time"

	"github.com/juju/errors"
	"github.com/mitchellh/mapstructure"
)

// Namespace groups protocol verbs.
type Namespace string

const (
	NamespaceRPC    Namespace = "rpc"
	NamespaceEvents Namespace = "events"
)

// Request-side verbs.
const (
	VerbCall        = "call"
	VerbContinue    = "continue"
	VerbSubscribe   = "subscribe"
	VerbUnsubscribe = "unsubscribe"
	VerbAuth        = "auth"
	VerbAuthToken   = "auth_token"
)

// Response-side and pushed verbs.
const (
	VerbResponse   = "response"
	VerbFragment   = "fragment"
	VerbEnd        = "end"
	VerbError      = "error"
	VerbEvent      = "event"
	VerbEventBurst = "event_burst"
	VerbLogout     = "logout"
)

// Well-known interfaces of the object vocabulary.
const (
	DiscoverableInterface   = "com.twoporeguys.librpc.Discoverable"
	ObservableInterface     = "com.twoporeguys.librpc.Observable"
	IntrospectableInterface = "com.twoporeguys.librpc.Introspectable"
)

// Envelope is the generic protocol message. ID is empty only for
// unsolicited server-pushed events.
type Envelope struct {
	ID        string    `msgpack:"id" json:"id"`
	Namespace Namespace `msgpack:"namespace" json:"namespace"`
	Name      string    `msgpack:"name" json:"name"`
	Args      any       `msgpack:"args" json:"args"`
}

// IsResponse reports whether env answers an outstanding request.
func (env *Envelope) IsResponse() bool {
	if env.Namespace != NamespaceRPC {
		return false
	}
	switch env.Name {
	case VerbResponse, VerbFragment, VerbEnd, VerbError:
		return true
	}
	return false
}

// CallArgs is the payload of an rpc.call request.
type CallArgs struct {
	Path      string `msgpack:"path,omitempty" json:"path,omitempty"`
	Interface string `msgpack:"interface,omitempty" json:"interface,omitempty"`
	Method    string `msgpack:"method" json:"method"`
	Args      []any  `msgpack:"args" json:"args"`
}

// FragmentArgs is the payload of an rpc.fragment response.
type FragmentArgs struct {
	Seqno    int64 `msgpack:"seqno" json:"seqno"`
	Fragment any   `msgpack:"fragment" json:"fragment"`
}

// ErrorArgs is the payload of an rpc.error response.
type ErrorArgs struct {
	Code       int    `msgpack:"code" json:"code"`
	Message    string `msgpack:"message" json:"message"`
	Extra      any    `msgpack:"extra" json:"extra"`
	Stacktrace any    `msgpack:"stacktrace" json:"stacktrace"`
}

// Property is one entry of an Observable.get_all result.
type Property struct {
	Name  string `msgpack:"name" json:"name"`
	Value any    `msgpack:"value" json:"value"`
}

// Instance is one entry of a Discoverable.get_instances result.
type Instance struct {
	Path        string `msgpack:"path" json:"path"`
	Description string `msgpack:"description" json:"description"`
}

var (
	timeType = reflect.TypeOf(time.Time{})
)

// DecodeArgs converts a generically decoded payload into out, which must be
// a pointer. Extension values are unwrapped on the way: a *Timestamp becomes
// a time.Time and a *Nested yields its decoded value.
func DecodeArgs(in, out any) error {
	if p, ok := out.(*any); ok {
		*p = in
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "msgpack",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			unwrapNested,
			timestampToTime,
		),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := dec.Decode(in); err != nil {
		return errors.Annotate(err, "decoding args")
	}
	return nil
}

func unwrapNested(_ reflect.Type, _ reflect.Type, data any) (any, error) {
	switch n := data.(type) {
	case *Nested:
		return n.Value, nil
	case Nested:
		return n.Value, nil
	}
	return data, nil
}

func timestampToTime(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	switch ts := data.(type) {
	case *Timestamp:
		return ts.Time, nil
	case Timestamp:
		return ts.Time, nil
	}
	return data, nil
}
