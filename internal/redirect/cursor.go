package redirect

import "firestige.xyz/portredir/internal/core"

// cursor walks a frame one header at a time. Every access goes through next,
// which checks the whole header against the frame length once.
type cursor struct {
	buf []byte
	off int
}

// next returns the n bytes at the current offset and advances past them.
func (c *cursor) next(n int) ([]byte, error) {
	if n < 0 || len(c.buf)-c.off < n {
		return nil, core.ErrTruncatedFrame
	}
	b := c.buf[c.off : c.off+n : c.off+n]
	c.off += n
	return b, nil
}

// peek returns the n bytes at the current offset without advancing.
func (c *cursor) peek(n int) ([]byte, error) {
	if n < 0 || len(c.buf)-c.off < n {
		return nil, core.ErrTruncatedFrame
	}
	return c.buf[c.off : c.off+n : c.off+n], nil
}
