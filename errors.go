package tftpfw

import "sync"

// An ErrorSlot records the first error a session component reports.
// The first write wins : later errors are dropped by the slot and only
// logged by their caller, so the ERROR packet put on the wire always
// carries the root cause.
type ErrorSlot struct {
	mu  sync.Mutex
	err *Error
}

// Set stores code and message if the slot is still empty.
// Returns true when this call armed the slot.
func (s *ErrorSlot) Set(code ErrCode, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	s.err = &Error{Code: code, Msg: msg}
	return true
}

// Armed reports whether an error was recorded
func (s *ErrorSlot) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil
}

// Get returns the recorded error, or nil
func (s *ErrorSlot) Get() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
