package models

/*
	Every privileged method returns a two-variant tagged result: data on
	success, a message on business failure. Exactly one of the two fields is
	populated. This mirrors the behaviour callers script against: they branch
	on `error` being empty rather than catching exceptions.
*/

type Envelope[T any] struct {
	Data  *T     `json:"data"`
	Error string `json:"error,omitempty"`
}

func Ok[T any](data T) Envelope[T] {
	return Envelope[T]{Data: &data}
}

func Fail[T any](err error) Envelope[T] {
	return Envelope[T]{Error: err.Error()}
}

func (e Envelope[T]) Err() error {
	if e.Error == "" {
		return nil
	}
	return &EnvelopeError{Message: e.Error}
}

// EnvelopeError carries a business failure out of a decoded envelope.
type EnvelopeError struct {
	Message string
}

func (e *EnvelopeError) Error() string {
	return e.Message
}
