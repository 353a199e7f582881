package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionExists  = errors.New("connection already exists")
	ErrNotConnected      = errors.New("shard is not connected")
	ErrShardClosed       = errors.New("shard is closed")
	ErrRateLimited       = errors.New("rate limit bucket exceeded")
	ErrVoiceUnavailable  = errors.New("voice capability is not enabled")
	ErrConnectionRefused = errors.New("gateway refused the session")
)

// DecodeError is returned for frames that could not be decoded. It is never
// fatal to the receive loop.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// GatewayError reports a protocol violation, such as a frame other than Hello
// arriving first. The connection attempt it belongs to must be discarded.
type GatewayError struct {
	Op       Op
	Expected Op
	Closed   bool
	Err      error
}

func (e *GatewayError) Error() string {
	if e.Closed {
		return fmt.Sprintf("gateway closed while waiting for %s (opcode %d): %v", e.Expected, e.Expected, e.Err)
	}
	return fmt.Sprintf("invalid handshake: expected %s (opcode %d), got %d", e.Expected, e.Expected, e.Op)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ConnectionRefusedError is raised when the gateway sends InvalidSession.
type ConnectionRefusedError struct {
	ShardID   int
	Resumable bool
}

func (e *ConnectionRefusedError) Error() string {
	return fmt.Sprintf("shard %d: invalid session (resumable=%t)", e.ShardID, e.Resumable)
}

func (e *ConnectionRefusedError) Is(target error) bool { return target == ErrConnectionRefused }

// ConnectionClosedError is raised when the socket closes without the client
// asking for it.
type ConnectionClosedError struct {
	ShardID int
	Code    int
	Text    string
	Err     error
}

func (e *ConnectionClosedError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("shard %d: connection closed: %v", e.ShardID, e.Err)
	}
	return fmt.Sprintf("shard %d: connection closed with code %d: %s", e.ShardID, e.Code, e.Text)
}

func (e *ConnectionClosedError) Unwrap() error { return e.Err }

// Fatal reports whether the close code forbids reconnecting.
func (e *ConnectionClosedError) Fatal() bool {
	switch e.Code {
	case closeAuthenticationFailed, closeInvalidShard, closeShardingRequired,
		closeInvalidAPIVersion, closeInvalidIntents, closeDisallowedIntents:
		return true
	}
	return false
}

// CacheMissError is returned when a delete event names an entity that was
// never cached.
type CacheMissError struct {
	Kind EntityKind
	ID   Snowflake
}

func (e *CacheMissError) Error() string {
	return fmt.Sprintf("%s %s not cached", e.Kind, e.ID)
}
