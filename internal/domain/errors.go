package domain

import "errors"

// Error taxonomy shared by the router, the engine and every adapter. Errors
// are wrapped with fmt.Errorf("%w: ...") and classified with errors.Is.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrUnsupported  = errors.New("unsupported")
	ErrConflict     = errors.New("conflict")
	ErrUpstream     = errors.New("upstream error")
	ErrTimeout      = errors.New("timeout")
)

var taxonomy = []error{
	ErrBadRequest,
	ErrUnauthorized,
	ErrNotFound,
	ErrUnsupported,
	ErrConflict,
	ErrUpstream,
	ErrTimeout,
}

// Classified reports whether err already belongs to the taxonomy.
func Classified(err error) bool {
	for _, kind := range taxonomy {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
