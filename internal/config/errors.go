package config

import (
	"errors"
	"fmt"
)

// ErrConfig is the sentinel every configuration failure wraps.
var ErrConfig = errors.New("configuration error")

// Error reports a configuration problem and where it came from.
type Error struct {
	Source string // config file or directory
	Key    string // offending key, if any
	Msg    string
}

func (e *Error) Error() string {
	switch {
	case e.Source != "" && e.Key != "":
		return fmt.Sprintf("config %s: %s: %s", e.Source, e.Key, e.Msg)
	case e.Key != "":
		return fmt.Sprintf("config: %s: %s", e.Key, e.Msg)
	case e.Source != "":
		return fmt.Sprintf("config %s: %s", e.Source, e.Msg)
	}
	return "config: " + e.Msg
}

func (e *Error) Unwrap() error { return ErrConfig }

func errorf(source, key, format string, args ...any) error {
	return &Error{Source: source, Key: key, Msg: fmt.Sprintf(format, args...)}
}
