// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"fmt"

	"github.com/juju/errors"
)

var (
	ErrMalformedPayload = errors.New("librpc: malformed payload")
	ErrConnectTimeout   = errors.New("librpc: connect timeout")
	ErrConnectionReset  = errors.New("librpc: connection reset")
	ErrConnectionClosed = errors.New("librpc: connection closed")
	ErrNotConnected     = errors.New("librpc: not connected")
	ErrCallTimeout      = errors.New("librpc: call timeout")
	ErrSpuriousResponse = errors.New("librpc: spurious response")
	ErrLogout           = errors.New("librpc: logged out by server")
	ErrUnsupportedCall  = errors.New("librpc: server-initiated calls are not supported")
	ErrStreamClosed     = errors.New("librpc: stream closed")
)

// RPCError is an error reported by the server for a call.
type RPCError struct {
	Code       int
	Message    string
	Extra      any
	Stacktrace any
}

func (e *RPCError) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// newRPCError builds an RPCError from the args of an rpc.error envelope.
// Servers that answer with a bare value get it as the message.
func newRPCError(args any) *RPCError {
	switch a := args.(type) {
	case nil:
		return &RPCError{Message: "unknown error"}
	case string:
		return &RPCError{Message: a}
	case map[string]any:
		var ea ErrorArgs
		if err := DecodeArgs(a, &ea); err == nil {
			return &RPCError{
				Code:       ea.Code,
				Message:    ea.Message,
				Extra:      ea.Extra,
				Stacktrace: ea.Stacktrace,
			}
		}
	}
	return &RPCError{Message: fmt.Sprint(args), Extra: args}
}

// IsRPCError returns the server-reported error carried by err, if any.
func IsRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
