package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrPortInUse matches every PortInUseError
	ErrPortInUse = errors.New("port already in use")
	// ErrConnection matches every ConnectionError
	ErrConnection = errors.New("connection failed")
	// ErrAuthentication matches every AuthenticationError
	ErrAuthentication = errors.New("authentication failed")
	// ErrAuthorization matches every AuthorizationError
	ErrAuthorization = errors.New("not authorized")
	// ErrMessageTooLarge matches every MessageTooLargeError
	ErrMessageTooLarge = errors.New("message too large")
)

// PortInUseError is returned when a server cannot bind a configured port
type PortInUseError struct {
	Address NetworkHostAndPort
	Err     error
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port in use: %s: %v", e.Address, e.Err)
}

func (e *PortInUseError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrPortInUse) true
func (e *PortInUseError) Is(target error) bool {
	return target == ErrPortInUse
}

// ConnectionError is returned when no server is reachable at an address
type ConnectionError struct {
	Op      string
	Address NetworkHostAndPort
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrConnection) true
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// AuthenticationError is returned when supplied credentials are rejected
type AuthenticationError struct {
	Username string
	Err      error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Auth fail: %s: %v", e.Username, e.Err)
	}
	return fmt.Sprintf("Auth fail: %s", e.Username)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrAuthentication) true
func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}

// AuthorizationError is returned when an authenticated caller acts outside its permissions
type AuthorizationError struct {
	Username   string
	Permission string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not permitted to perform %s", e.Username, e.Permission)
}

// Is makes errors.Is(err, ErrAuthorization) true
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrAuthorization
}

// MessageTooLargeError is returned by send when a payload exceeds the maximum message size
// or the receiving inbox refuses it. Max is 0 when only the receiver knows its limit.
type MessageTooLargeError struct {
	Topic string
	Size  int
	Max   int
	Err   error
}

func (e *MessageTooLargeError) Error() string {
	if e.Max <= 0 {
		return fmt.Sprintf("message on topic %s is %d bytes, more than the receiver accepts", e.Topic, e.Size)
	}
	return fmt.Sprintf("message on topic %s is %d bytes, maximum is %d", e.Topic, e.Size, e.Max)
}

func (e *MessageTooLargeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrMessageTooLarge) true
func (e *MessageTooLargeError) Is(target error) bool {
	return target == ErrMessageTooLarge
}
