package conversion

import "context"

type localConverter struct{}

// NewLocal is the in-process conversion slot. No local inference engine is
// bundled, so it always reports ErrNotImplemented.
func NewLocal() Converter { return localConverter{} }

func (localConverter) Convert(context.Context, Request) ([]byte, error) {
	return nil, ErrNotImplemented
}
