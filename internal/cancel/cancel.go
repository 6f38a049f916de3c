// Package cancel provides the monotonic token used to invalidate stale
// asynchronous work.
//
// Every asynchronous operation captures a [Token] when it starts and checks
// [Counter.Valid] before applying side effects. Advancing the counter
// invalidates all tokens handed out before it, so a late completion from a
// cancelled play, timer or preload cannot re-enter the caller's state.
package cancel

import "sync"

// Token is an opaque snapshot of a [Counter].
type Token struct {
	epoch uint64
	seq   uint64
}

// Seq returns the generation number the token was captured at.
func (t Token) Seq() uint64 { return t.seq }

// Counter hands out tokens. The zero value is ready to use and safe for
// concurrent use.
type Counter struct {
	mu    sync.Mutex
	epoch uint64
	seq   uint64
}

// Current returns a token for the current generation without advancing it.
func (c *Counter) Current() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Token{epoch: c.epoch, seq: c.seq}
}

// Next advances the generation, invalidating every earlier token, and returns
// a token for the new generation.
func (c *Counter) Next() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return Token{epoch: c.epoch, seq: c.seq}
}

// Valid reports whether t still refers to the current generation.
func (c *Counter) Valid(t Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.epoch == c.epoch && t.seq == c.seq
}

// Reset sets the generation back to zero. Tokens captured before the reset
// stay invalid even when the generation number is reached again.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.seq = 0
}

// Seq returns the current generation number.
func (c *Counter) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}
