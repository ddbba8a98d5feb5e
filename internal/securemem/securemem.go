// Package securemem keeps secrets such as the shared connection token in
// memguard-protected memory instead of ordinary Go strings.
package securemem

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// String is a secure string wrapper that stores sensitive data in locked memory.
type String struct {
	buf     *memguard.LockedBuffer
	invalid bool
}

// NewString creates a new secure string from the given plaintext.
func NewString(plaintext string) *String {
	return &String{
		buf: memguard.NewBufferFromBytes([]byte(plaintext)),
	}
}

// String returns the plaintext value. The copy lives in regular memory.
func (s *String) String() string {
	if s.unusable() {
		return ""
	}
	return string(s.buf.Bytes())
}

// IsEmpty returns true if the string is empty or destroyed.
func (s *String) IsEmpty() bool {
	return s.unusable() || len(s.buf.Bytes()) == 0
}

// Equal reports whether the secure string equals other, in constant time
// for inputs of equal length.
func (s *String) Equal(other string) bool {
	if s.unusable() {
		return other == ""
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(other)) == 1
}

// Destroy wipes the string. It must not be used afterwards.
func (s *String) Destroy() {
	if s == nil || s.invalid {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
	s.invalid = true
}

func (s *String) unusable() bool {
	return s == nil || s.invalid || s.buf == nil
}

// Purge destroys every memguard buffer in the process. Call it once on
// shutdown.
func Purge() {
	memguard.Purge()
}
