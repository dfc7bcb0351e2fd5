package pubsub

import "errors"

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("pubsub: bus closed")
