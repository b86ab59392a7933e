package loader

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a LoadError.
type ErrorKind int

const (
	// Unreachable means the asset bytes could not be fetched.
	Unreachable ErrorKind = iota
	// Malformed means the bytes were fetched but are not a usable avatar.
	Malformed
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// LoadError reports why an avatar URL could not be turned into a rig.
type LoadError struct {
	URL  string
	Kind ErrorKind
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError reports whether err wraps a LoadError of the given kind.
func IsLoadError(err error, kind ErrorKind) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Kind == kind
}

func unreachable(url string, err error) error {
	return &LoadError{URL: url, Kind: Unreachable, Err: err}
}

func malformed(url string, err error) error {
	return &LoadError{URL: url, Kind: Malformed, Err: err}
}
