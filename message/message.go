// Package message defines the envelope exchanged between client and server.
//
// An Envelope is serialized by one of the envelope codecs in package codec
// and carried as the body of a protocol frame. Its Payload is a record
// encoded by package schema.
package message

import (
	"errors"
	"fmt"
)

// Envelope carries a single request or response.
//
//   - On request:  Method is set, Schema names the request schema, Payload holds the encoded record.
//   - On response: Schema names the response schema, Code and Error are set if the call failed.
type Envelope struct {
	Method  string `json:"method" cbor:"1,keyasint"`                     // "Service.Method", e.g. "Users.Get"
	Schema  string `json:"schema,omitempty" cbor:"2,keyasint,omitempty"`  // Hex fingerprint of the payload schema
	Error   string `json:"error,omitempty" cbor:"3,keyasint,omitempty"`   // Human-readable failure
	Payload []byte `json:"payload,omitempty" cbor:"4,keyasint,omitempty"` // Record encoded by package schema
	Code    Code   `json:"code,omitempty" cbor:"5,keyasint,omitempty"`    // OK unless the call failed
}

// Failed reports whether the envelope carries an error.
func (e *Envelope) Failed() bool { return e.Code != OK || e.Error != "" }

// Err returns the failure carried by e as an *Error, or nil.
func (e *Envelope) Err() error {
	if !e.Failed() {
		return nil
	}
	code := e.Code
	if code == OK {
		code = Internal
	}
	return &Error{Code: code, Message: e.Error}
}

// ErrorReply builds a response envelope carrying only an error.
func ErrorReply(method string, code Code, msg string) *Envelope {
	return &Envelope{Method: method, Code: code, Error: msg}
}

// Code classifies a failed call.
type Code uint8

const (
	OK                Code = iota
	Internal               // the handler failed or panicked
	InvalidArgument        // the request did not match the endpoint schema
	NotFound               // no such method
	Unavailable            // the connection failed or closed
	DeadlineExceeded       // the call timed out
	ResourceExhausted      // the server is rate limiting
)

var codeNames = [...]string{
	OK:                "ok",
	Internal:          "internal",
	InvalidArgument:   "invalid argument",
	NotFound:          "not found",
	Unavailable:       "unavailable",
	DeadlineExceeded:  "deadline exceeded",
	ResourceExhausted: "resource exhausted",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// Retryable reports whether a call failing with c may succeed if sent
// again. Only transport-level failures qualify; a request the server
// rejected for its content fails the same way every time.
func (c Code) Retryable() bool {
	return c == Unavailable || c == DeadlineExceeded
}

// Error is a failed call as seen by the caller.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

// CodeOf returns the Code of the first *Error in err's chain, Internal
// for any other non-nil error and OK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
