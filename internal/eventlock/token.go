package eventlock

import "github.com/google/uuid"

// Token proves current ownership of an event lock.
type Token string

// NewToken returns a fresh random token.
func NewToken() Token {
	return Token(uuid.NewString())
}

func (t Token) String() string { return string(t) }
