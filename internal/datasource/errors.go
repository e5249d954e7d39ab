package datasource

import (
	"errors"
	"fmt"
)

// Kind classifies a data source failure.
type Kind string

const (
	// KindTimeout means the request deadline passed.
	KindTimeout Kind = "timeout"
	// KindProtocol means the server answered with something unusable.
	KindProtocol Kind = "protocol"
	// KindTransient means a connection-level or retryable server failure.
	KindTransient Kind = "transient"
	// KindPush means a watermark push was rejected or failed.
	KindPush Kind = "push"
)

var (
	ErrTimeout          = errors.New("data source timeout")
	ErrProtocol         = errors.New("data source protocol error")
	ErrTransientNetwork = errors.New("data source unreachable")
	ErrSyncPush         = errors.New("watermark push failed")
)

// FetchError is returned by every Client operation that talks to the data source.
type FetchError struct {
	Err        error
	Kind       Kind
	Op         string
	Endpoint   string
	StatusCode int
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: http %d: %v", e.Op, e.Kind, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s %s", e.Op, e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *FetchError) Is(target error) bool {
	switch e.Kind {
	case KindTimeout:
		return target == ErrTimeout
	case KindProtocol:
		return target == ErrProtocol
	case KindTransient:
		return target == ErrTransientNetwork
	case KindPush:
		return target == ErrSyncPush
	}
	return false
}

// connectionLevel reports whether the request never got an HTTP response.
func (e *FetchError) connectionLevel() bool {
	return e.Kind == KindTransient && e.StatusCode == 0
}

func protocolErr(op, endpoint string, format string, args ...any) *FetchError {
	return &FetchError{Kind: KindProtocol, Op: op, Endpoint: endpoint, Err: fmt.Errorf(format, args...)}
}
