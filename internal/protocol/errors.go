package protocol

import "errors"

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrInvalidRequest     = errors.New("protocol: invalid request")
	ErrInvalidEvent       = errors.New("protocol: invalid event")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
)
