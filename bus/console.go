//go:build linux

package bus

import (
	"errors"
	"io"
	"sync"

	"github.com/c35s/kvmctl/kvm"
)

// Console is a one-port debug console. Bytes the guest writes to the port
// go to Out. Reads from the port take bytes from In, or return 0xff if In is
// nil or exhausted.
type Console struct {
	In  io.Reader
	Out io.Writer

	mu  sync.Mutex
	eof bool
}

func (c *Console) HandleIO(port uint16, dir kvm.IODirection, size int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dir == kvm.IOOut {
		if c.Out == nil {
			return nil
		}

		_, err := c.Out.Write(data)
		return err
	}

	return c.read(data)
}

func (c *Console) read(p []byte) error {
	if c.In == nil || c.eof {
		fill(p, 0xff)
		return nil
	}

	n, err := io.ReadFull(c.In, p)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		c.eof = true
		fill(p[n:], 0xff)
		return nil
	}

	return err
}

func fill(p []byte, b byte) {
	for i := range p {
		p[i] = b
	}
}
