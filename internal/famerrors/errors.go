// Package famerrors defines the closed error taxonomy shared by the
// metadata service, the allocator client, and the RPC transports.
package famerrors

import (
	"errors"
	"fmt"
)

// Code identifies one member of the taxonomy. Codes are stable across the
// wire: a client on one binding must see the same Code a server on another
// binding produced.
type Code int

const (
	// Codes start at 1: wire errorcode 0 means success, so no member of
	// the taxonomy (Unimplemented included) can be mistaken for "ok".
	Unimplemented Code = iota + 1
	RegionNameTooLong
	DataitemNameTooLong
	RegionExist
	RegionNotFound
	DataitemExist
	DataitemNotFound
	NoFreeRegionID
	NoPermission
	RequestedMemoryTypeNotAvailable
	OutOfRange
	MetadataError
	RPCError
	RPCClientNotFound
	InvalidDescriptor
)

var names = map[Code]string{
	Unimplemented:                    "unimplemented",
	RegionNameTooLong:                "region-name-too-long",
	DataitemNameTooLong:              "dataitem-name-too-long",
	RegionExist:                      "region-exist",
	RegionNotFound:                   "region-not-found",
	DataitemExist:                    "dataitem-exist",
	DataitemNotFound:                 "dataitem-not-found",
	NoFreeRegionID:                   "no-free-region-id",
	NoPermission:                     "no-permission",
	RequestedMemoryTypeNotAvailable:  "requested-memory-type-not-available",
	OutOfRange:                       "out-of-range",
	MetadataError:                    "metadata-error",
	RPCError:                         "rpc-error",
	RPCClientNotFound:                "rpc-client-not-found",
	InvalidDescriptor:                "invalid-descriptor",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "unknown-error"
}

// Error is the concrete type every component in this module returns for a
// taxonomy failure. It wraps an optional cause so %w unwrapping keeps
// working, while errors.Is compares by Code alone.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, famerrors.New(RegionNotFound, "")) match any
// *Error with the same Code, regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// CodeOf extracts the Code from err, defaulting to MetadataError for any
// error that didn't originate in this package — the policy in spec.md §7
// ("Any transport or KVS IO error surfaces as metadata-error").
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return MetadataError
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
