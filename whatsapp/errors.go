package whatsapp

import "errors"

var (
	// ErrInvalidLicense is returned by Connect before any transport is built.
	ErrInvalidLicense = errors.New("invalid license")
	// ErrTransportUnavailable means no native transport can be used here.
	ErrTransportUnavailable = errors.New("whatsapp transport unavailable")
	// ErrNotConnected is returned by SendText when the session has no open
	// connection.
	ErrNotConnected = errors.New("session not connected")
)
