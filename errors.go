package tiercache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNilKey         = errors.New("tiercache: empty keys are unsupported")
	ErrNilValue       = errors.New("tiercache: nil values are unsupported")
	ErrExpiryDisabled = errors.New("tiercache: expiry is not enabled")
	ErrClosed         = errors.New("tiercache: closed")

	// Contract violations. These indicate a caller bug and are never retried.
	ErrReentrancy        = errors.New("re-entrancy requires the status to be committing")
	ErrTooManyWaiters    = errors.New("exceeded maximum number of waiting callers")
	ErrTooDeep           = errors.New("exceeded maximum depth of re-entrancy")
	ErrMapOpInKeySection = errors.New("map-level operations are not permitted from re-entrant code")
	ErrNoProgress        = errors.New("unable to obtain and prepare the status")
)

// ContractError reports misuse of the coordinator API.
type ContractError struct {
	Op  string
	Key string
	Err error
}

func (e *ContractError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("tiercache: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tiercache: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

// StoreError wraps a failed store call surfaced to a foreground caller.
type StoreError struct {
	Op   string
	Keys []string
	Err  error
}

func (e *StoreError) Error() string {
	switch len(e.Keys) {
	case 0:
		return fmt.Sprintf("tiercache: store %s failed: %v", e.Op, e.Err)
	case 1:
		return fmt.Sprintf("tiercache: store %s %q failed: %v", e.Op, e.Keys[0], e.Err)
	default:
		const show = 3
		ks := e.Keys
		more := ""
		if len(ks) > show {
			more = fmt.Sprintf(" (+%d more)", len(ks)-show)
			ks = ks[:show]
		}
		return fmt.Sprintf("tiercache: store %s [%s]%s failed: %v", e.Op, strings.Join(ks, ", "), more, e.Err)
	}
}

func (e *StoreError) Unwrap() error { return e.Err }

func contract(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ContractError
	if errors.As(err, &ce) {
		return err
	}
	return &ContractError{Op: op, Key: key, Err: err}
}
