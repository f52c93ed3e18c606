package domain

import "errors"

var (
	ErrMalformedRecord   = errors.New("malformed record")
	ErrEncodeFailed      = errors.New("encode failed")
	ErrEncoderBusy       = errors.New("encoder queue full")
	ErrNoReference       = errors.New("delta chunk without reference frame")
	ErrTransportWrite    = errors.New("transport write failed")
	ErrTransportClosed   = errors.New("transport closed")
	ErrPipelineClosed    = errors.New("pipeline closed")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrCaptureNotRunning = errors.New("capture not running")
	ErrUnauthorized      = errors.New("unauthorized")
)
