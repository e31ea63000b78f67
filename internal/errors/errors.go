package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

type ErrorType int

const (
	ErrConnection ErrorType = iota
	ErrDiscovery
	ErrProtocol
	ErrCrypto
	ErrFileSystem
)

func (t ErrorType) String() string {
	switch t {
	case ErrConnection:
		return "connection"
	case ErrDiscovery:
		return "discovery"
	case ErrProtocol:
		return "protocol"
	case ErrCrypto:
		return "crypto"
	case ErrFileSystem:
		return "filesystem"
	default:
		return fmt.Sprintf("ErrorType(%d)", int(t))
	}
}

type ErrorLevel int

const (
	INFO ErrorLevel = iota
	WARNING
	ERROR
	FATAL
)

type AppError struct {
	Type    ErrorType
	Level   ErrorLevel
	Message string
	Time    time.Time
	Source  string
	Err     error
}

func (c *AppError) Error() string {
	if c.Err == nil {
		return c.Message
	}
	return fmt.Sprintf("%s: %v", c.Message, c.Err)
}

func (c *AppError) Unwrap() error {
	return c.Err
}

func NewError(errtype ErrorType, level ErrorLevel, source string, msg string, uerror error) *AppError {
	return &AppError{
		Type:    errtype,
		Level:   level,
		Message: msg,
		Time:    time.Now(),
		Source:  source,
		Err:     uerror,
	}
}

// Fatal is NewError at FATAL level; every session error is fatal.
func Fatal(errtype ErrorType, source string, msg string, uerror error) *AppError {
	return NewError(errtype, FATAL, source, msg, uerror)
}

// TypeOf reports the type of the outermost AppError in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var app *AppError
	if !stderrors.As(err, &app) {
		return 0, false
	}
	return app.Type, true
}

func IsType(err error, errtype ErrorType) bool {
	t, ok := TypeOf(err)
	return ok && t == errtype
}
