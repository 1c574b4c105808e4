//go:build linux

package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/c35s/kvmctl/kvm"
)

// IOHandler handles port IO. For an out, data holds the bytes the guest
// wrote. For an in, the handler fills data with the bytes the guest reads.
// A handler that doesn't recognize the access returns ErrUnhandled.
type IOHandler interface {
	HandleIO(port uint16, dir kvm.IODirection, size int, data []byte) error
}

// MMIOHandler handles an access to guest physical memory that isn't backed
// by a memory region, with the same contract as IOHandler.
type MMIOHandler interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

// IOHandlerFunc adapts a function to IOHandler.
type IOHandlerFunc func(port uint16, dir kvm.IODirection, size int, data []byte) error

func (f IOHandlerFunc) HandleIO(port uint16, dir kvm.IODirection, size int, data []byte) error {
	return f(port, dir, size, data)
}

// MMIOHandlerFunc adapts a function to MMIOHandler.
type MMIOHandlerFunc func(addr uint64, data []byte, isWrite bool) error

func (f MMIOHandlerFunc) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	return f(addr, data, isWrite)
}

// ExitAction tells the dispatcher what to do after an exit it doesn't know.
type ExitAction int

const (
	Terminate ExitAction = iota
	Resume
)

// UnknownExitPolicy decides what happens after an exit the dispatcher has no
// branch for.
type UnknownExitPolicy func(c *VCPU, reason kvm.Exit) ExitAction

// Result is how a VCPU's loop ended.
type Result struct {
	VCPU   int      // VCPU id
	Reason kvm.Exit // the last exit
	Exits  uint64   // exits handled, including interruptions
}

// Dispatcher runs a VCPU and routes its exits. The zero value terminates on
// the first IO or MMIO exit, HLT, shutdown, or unknown exit.
type Dispatcher struct {
	IO   IOHandler
	MMIO MMIOHandler

	// ResumeOnHalt keeps the loop going after HLT. The VCPU re-enters the
	// guest at the instruction after the HLT.
	ResumeOnHalt bool

	// OnUnknownExit is consulted for exits with no dedicated branch. If it's
	// nil, those exits terminate the loop with ErrUnknownExit.
	OnUnknownExit UnknownExitPolicy

	Logger  *slog.Logger
	Metrics *Metrics
}

// Run runs c until it halts, shuts down, or fails, or until ctx is done.
// It occupies the calling goroutine's OS thread for the duration. A clean
// stop returns a nil error; the Result says why the loop ended.
func (d *Dispatcher) Run(ctx context.Context, c *VCPU) (res Result, err error) {
	var (
		log     = d.logger().With("vcpu", c.id)
		metrics = d.metrics()
	)

	res.VCPU = c.id

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := c.vm.enter(c); err != nil {
		return res, err
	}

	metrics.loops.Inc()

	defer func() {
		c.setState(Terminated)
		c.vm.leave(c)
		metrics.loops.Dec()

		if err != nil {
			log.Error("VCPU stopped", "reason", res.Reason, "exits", res.Exits, "err", err)
		} else {
			log.Debug("VCPU stopped", "reason", res.Reason, "exits", res.Exits)
		}
	}()

	stop := context.AfterFunc(ctx, c.Interrupt)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w: VCPU %d: %w", ErrInterrupted, c.id, err)
		}

		metrics.runs.Inc()

		reason, err := c.Run()
		if err != nil {
			return res, err
		}

		res.Reason = reason
		res.Exits++
		metrics.exits.WithLabelValues(reason.String()).Inc()

		done, err := d.dispatch(c, reason, log)
		if err != nil || done {
			return res, err
		}

		c.setState(Ready)
	}
}

// dispatch handles one exit and reports whether the loop is done.
func (d *Dispatcher) dispatch(c *VCPU, reason kvm.Exit, log *slog.Logger) (done bool, err error) {
	switch reason {
	case kvm.ExitIntr:
		d.metrics().interrupts.Inc()
		return false, nil

	case kvm.ExitIO:
		return false, d.handleIO(c)

	case kvm.ExitMMIO:
		return false, d.handleMMIO(c)

	case kvm.ExitHLT:
		return !d.ResumeOnHalt, nil

	case kvm.ExitShutdown:
		return true, nil

	case kvm.ExitSystemEvent:
		log.Debug("system event", "type", c.SystemEvent())
		return true, nil

	case kvm.ExitIRQWindowOpen:
		return false, nil

	case kvm.ExitInternalError:
		sub, data := c.InternalError()
		return true, fmt.Errorf("%w: VCPU %d: suberror %d data %#x: %s",
			ErrInternalError, c.id, sub, data, diagnose(c))

	case kvm.ExitFailEntry:
		hw, cpu := c.FailEntry()
		return true, fmt.Errorf("%w: VCPU %d: entry failed with hardware reason %#x on host CPU %d",
			ErrKernelRejected, c.id, hw, cpu)

	default:
		if d.OnUnknownExit != nil && d.OnUnknownExit(c, reason) == Resume {
			log.Warn("resuming after unknown exit", "reason", reason)
			return false, nil
		}

		if reason == kvm.ExitUnknown {
			return true, fmt.Errorf("%w: VCPU %d: %v with hardware reason %#x: %s",
				ErrUnknownExit, c.id, reason, c.UnknownExit(), diagnose(c))
		}

		return true, fmt.Errorf("%w: VCPU %d: %v: %s", ErrUnknownExit, c.id, reason, diagnose(c))
	}
}

func (d *Dispatcher) handleIO(c *VCPU) error {
	x, data, err := c.ioData()
	if err != nil {
		return err
	}

	if d.IO == nil {
		return fmt.Errorf("%w: VCPU %d: %v port %#x: no IO handler", ErrUnhandledExit, c.id, x.Direction, x.Port)
	}

	buf := make([]byte, len(data))
	if x.Direction == kvm.IOOut {
		copy(buf, data)
	}

	for i := 0; i < x.Count; i++ {
		item := buf[i*x.Size : (i+1)*x.Size]
		if err := d.IO.HandleIO(x.Port, x.Direction, x.Size, item); err != nil {
			return handlerError(c, fmt.Sprintf("%v port %#x", x.Direction, x.Port), err)
		}
	}

	if x.Direction == kvm.IOIn {
		copy(data, buf)
	}

	return nil
}

func (d *Dispatcher) handleMMIO(c *VCPU) error {
	x, data, err := c.mmioData()
	if err != nil {
		return err
	}

	op := "read"
	if x.IsWrite {
		op = "write"
	}

	if d.MMIO == nil {
		return fmt.Errorf("%w: VCPU %d: mmio %s %#x: no MMIO handler", ErrUnhandledExit, c.id, op, x.Addr)
	}

	buf := make([]byte, len(data))
	if x.IsWrite {
		copy(buf, data)
	}

	if err := d.MMIO.HandleMMIO(x.Addr, buf, x.IsWrite); err != nil {
		return handlerError(c, fmt.Sprintf("mmio %s %#x", op, x.Addr), err)
	}

	if !x.IsWrite {
		copy(data, buf)
	}

	return nil
}

func handlerError(c *VCPU, access string, err error) error {
	if errors.Is(err, ErrUnhandled) {
		return fmt.Errorf("%w: VCPU %d: %s: %w", ErrUnhandledExit, c.id, access, err)
	}

	return fmt.Errorf("VCPU %d: %s: %w", c.id, access, err)
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}

	return slog.Default()
}

func (d *Dispatcher) metrics() *Metrics {
	if d.Metrics != nil {
		return d.Metrics
	}

	return discardMetrics
}
