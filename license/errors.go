package license

import "errors"

var (
	// ErrInvalidLicense means the license API rejected the key.
	ErrInvalidLicense = errors.New("invalid license")
	// ErrInsufficientCredits means the license has no credits left of a kind.
	ErrInsufficientCredits = errors.New("insufficient credits")
)
