//go:build linux

package vmm_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/c35s/kvmctl/kvm"
	"github.com/c35s/kvmctl/vmm"
	"github.com/c35s/kvmctl/vmm/vmmtest"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sys/unix"
)

// ioCall is one call to an IO or MMIO handler.
type ioCall struct {
	Port  uint16
	Addr  uint64
	Dir   kvm.IODirection
	Write bool
	Data  string
}

type recorder struct {
	mu    sync.Mutex
	calls []ioCall
	fill  byte
	err   error
}

func (r *recorder) HandleIO(port uint16, dir kvm.IODirection, size int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dir == kvm.IOIn {
		for i := range data {
			data[i] = r.fill
		}
	}

	r.calls = append(r.calls, ioCall{Port: port, Dir: dir, Data: string(data)})
	return r.err
}

func (r *recorder) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !isWrite {
		for i := range data {
			data[i] = r.fill
		}
	}

	r.calls = append(r.calls, ioCall{Addr: addr, Write: isWrite, Data: string(data)})
	return r.err
}

func (r *recorder) Calls() []ioCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ioCall(nil), r.calls...)
}

// dispatch runs VCPU 0 of a fresh 1M VM that plays back steps.
func dispatch(t *testing.T, d *vmm.Dispatcher, steps ...vmmtest.Step) (vmm.Result, *vmmtest.VCPU, error) {
	t.Helper()

	b := script(steps...)
	vm := vmmtest.NewVM(t, b, mib)
	c := newVCPU(t, vm, 0)

	res, err := d.Run(context.Background(), c)

	if c.State() != vmm.Terminated {
		t.Errorf("VCPU is %v after its loop", c.State())
	}

	return res, b.VM(0).VCPU(0), err
}

func TestDispatchHalt(t *testing.T) {
	res, fc, err := dispatch(t, &vmm.Dispatcher{}, vmmtest.Halt())
	if err != nil {
		t.Fatal(err)
	}

	if n := fc.Runs(); n != 1 {
		t.Errorf("ran %d times", n)
	}

	want := vmm.Result{VCPU: 0, Reason: kvm.ExitHLT, Exits: 1}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchHaltReleasesEverything(t *testing.T) {
	b := script(vmmtest.Halt())
	dev := vmmtest.NewDevice(t, b)

	vm, err := dev.CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	r := newRegion(t, 0, mib)
	if err := vm.AttachMemory(r); err != nil {
		t.Fatal(err)
	}

	c, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatal(err)
	}

	// mov $0x41, %al; out %al, $0x10; hlt
	copy(r.Bytes(), []byte{0xb0, 0x41, 0xe6, 0x10, 0xf4})

	if err := c.SetRegs(kvm.Regs{RIP: 0, RFlags: 0x2}); err != nil {
		t.Fatal(err)
	}

	res, err := (&vmm.Dispatcher{}).Run(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}

	if res.Reason != kvm.ExitHLT {
		t.Errorf("stopped on %v", res.Reason)
	}

	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}

	want := []string{"unmap vcpu 0", "close vcpu 0", "close vm 0", "close device"}
	if diff := cmp.Diff(want, b.Events()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	if r.Bytes() != nil {
		t.Error("region is still mapped")
	}
}

func TestDispatchResumeOnHalt(t *testing.T) {
	d := &vmm.Dispatcher{ResumeOnHalt: true}

	res, _, err := dispatch(t, d, vmmtest.Halt(), vmmtest.Halt())
	if err != nil {
		t.Fatal(err)
	}

	// the script ends in shutdown
	want := vmm.Result{Reason: kvm.ExitShutdown, Exits: 3}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchStops(t *testing.T) {
	tests := []struct {
		step vmmtest.Step
		want kvm.Exit
	}{
		{vmmtest.Shutdown(), kvm.ExitShutdown},
		{vmmtest.SystemEvent(kvm.SystemEventShutdown), kvm.ExitSystemEvent},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			res, _, err := dispatch(t, &vmm.Dispatcher{}, tt.step, vmmtest.Halt())
			if err != nil {
				t.Fatal(err)
			}

			if res.Reason != tt.want || res.Exits != 1 {
				t.Errorf("unexpected result: %+v", res)
			}
		})
	}
}

func TestDispatchIRQWindowOpen(t *testing.T) {
	res, _, err := dispatch(t, &vmm.Dispatcher{}, vmmtest.Exit(kvm.ExitIRQWindowOpen), vmmtest.Halt())
	if err != nil {
		t.Fatal(err)
	}

	if res.Reason != kvm.ExitHLT || res.Exits != 2 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestDispatchIOOut(t *testing.T) {
	rec := &recorder{}
	d := &vmm.Dispatcher{IO: rec}

	_, _, err := dispatch(t, d, vmmtest.IOOut(0x10, 1, []byte("AB")), vmmtest.Halt())
	if err != nil {
		t.Fatal(err)
	}

	// one call per item
	want := []ioCall{
		{Port: 0x10, Dir: kvm.IOOut, Data: "A"},
		{Port: 0x10, Dir: kvm.IOOut, Data: "B"},
	}

	if diff := cmp.Diff(want, rec.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchIOIn(t *testing.T) {
	rec := &recorder{fill: 0x42}
	d := &vmm.Dispatcher{IO: rec}

	_, fc, err := dispatch(t, d, vmmtest.IOIn(0x60, 2, 1), vmmtest.Halt())
	if err != nil {
		t.Fatal(err)
	}

	want := []ioCall{{Port: 0x60, Dir: kvm.IOIn, Data: "\x42\x42"}}
	if diff := cmp.Diff(want, rec.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([][]byte{{0x42, 0x42}}, fc.Completed()); diff != "" {
		t.Errorf("guest read mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchMMIO(t *testing.T) {
	rec := &recorder{fill: 0x7f}
	d := &vmm.Dispatcher{MMIO: rec}

	_, fc, err := dispatch(t, d,
		vmmtest.MMIOWrite(0xd0000000, []byte{1, 2}),
		vmmtest.MMIORead(0xd0000004, 4),
		vmmtest.Halt())

	if err != nil {
		t.Fatal(err)
	}

	want := []ioCall{
		{Addr: 0xd0000000, Write: true, Data: "\x01\x02"},
		{Addr: 0xd0000004, Data: "\x7f\x7f\x7f\x7f"},
	}

	if diff := cmp.Diff(want, rec.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([][]byte{{0x7f, 0x7f, 0x7f, 0x7f}}, fc.Completed()); diff != "" {
		t.Errorf("guest read mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchUnhandled(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name string
		d    *vmm.Dispatcher
		step vmmtest.Step
		want error
	}{
		{"no IO handler", &vmm.Dispatcher{}, vmmtest.IOOut(0x10, 1, []byte("x")), vmm.ErrUnhandledExit},
		{"no MMIO handler", &vmm.Dispatcher{}, vmmtest.MMIORead(0xd0000000, 1), vmm.ErrUnhandledExit},
		{"unhandled port", &vmm.Dispatcher{IO: &recorder{err: vmm.ErrUnhandled}}, vmmtest.IOIn(0x10, 1, 1), vmm.ErrUnhandledExit},
		{"unhandled addr", &vmm.Dispatcher{MMIO: &recorder{err: vmm.ErrUnhandled}}, vmmtest.MMIOWrite(0xd0000000, []byte{1}), vmm.ErrUnhandledExit},
		{"handler fails", &vmm.Dispatcher{IO: &recorder{err: boom}}, vmmtest.IOOut(0x10, 1, []byte("x")), boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := dispatch(t, tt.d, tt.step, vmmtest.Halt())

			if !errors.Is(err, tt.want) {
				t.Errorf("error isn't %v: %v", tt.want, err)
			}
		})
	}
}

func TestDispatchInterruptedSkipsHandlers(t *testing.T) {
	rec := &recorder{}
	d := &vmm.Dispatcher{IO: rec, MMIO: rec}

	res, _, err := dispatch(t, d,
		vmmtest.Interrupted(),
		vmmtest.EINTR(),
		vmmtest.IOOut(0x10, 1, []byte("x")),
		vmmtest.Halt())

	if err != nil {
		t.Fatal(err)
	}

	if n := len(rec.Calls()); n != 1 {
		t.Errorf("%d handler calls, not 1", n)
	}

	if res.Exits != 4 {
		t.Errorf("%d exits, not 4", res.Exits)
	}
}

func TestDispatchInternalError(t *testing.T) {
	b := script(vmmtest.InternalError(kvm.InternalErrorEmulation))
	vm := vmmtest.NewVM(t, b, mib)

	// hlt
	if _, err := vm.WriteAt([]byte{0xf4}, 0x1000); err != nil {
		t.Fatal(err)
	}

	c := newVCPU(t, vm, 0)

	_, err := (&vmm.Dispatcher{}).Run(context.Background(), c)
	if !errors.Is(err, vmm.ErrInternalError) {
		t.Fatalf("error isn't ErrInternalError: %v", err)
	}

	if !strings.Contains(err.Error(), "hlt") {
		t.Errorf("%q doesn't show the instruction", err)
	}
}

func TestDispatchFailEntry(t *testing.T) {
	_, _, err := dispatch(t, &vmm.Dispatcher{}, vmmtest.FailEntry(0x21, 0))

	if !errors.Is(err, vmm.ErrKernelRejected) {
		t.Errorf("error isn't ErrKernelRejected: %v", err)
	}
}

func TestDispatchUnknownExit(t *testing.T) {
	_, _, err := dispatch(t, &vmm.Dispatcher{}, vmmtest.Unknown(0x99))

	if !errors.Is(err, vmm.ErrUnknownExit) {
		t.Fatalf("error isn't ErrUnknownExit: %v", err)
	}

	if !strings.Contains(err.Error(), "0x99") {
		t.Errorf("%q doesn't show the hardware exit reason", err)
	}

	_, _, err = dispatch(t, &vmm.Dispatcher{}, vmmtest.Exit(kvm.ExitDebug))
	if !errors.Is(err, vmm.ErrUnknownExit) {
		t.Errorf("error isn't ErrUnknownExit: %v", err)
	}
}

func TestDispatchOnUnknownExit(t *testing.T) {
	var seen []kvm.Exit
	d := &vmm.Dispatcher{
		OnUnknownExit: func(c *vmm.VCPU, reason kvm.Exit) vmm.ExitAction {
			seen = append(seen, reason)
			return vmm.Resume
		},
	}

	res, _, err := dispatch(t, d, vmmtest.Exit(kvm.ExitDebug), vmmtest.Exit(kvm.ExitX86BusLock), vmmtest.Halt())
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]kvm.Exit{kvm.ExitDebug, kvm.ExitX86BusLock}, seen); diff != "" {
		t.Errorf("exits mismatch (-want +got):\n%s", diff)
	}

	if res.Reason != kvm.ExitHLT {
		t.Errorf("stopped on %v", res.Reason)
	}

	d.OnUnknownExit = func(*vmm.VCPU, kvm.Exit) vmm.ExitAction { return vmm.Terminate }
	if _, _, err := dispatch(t, d, vmmtest.Exit(kvm.ExitDebug)); !errors.Is(err, vmm.ErrUnknownExit) {
		t.Errorf("error isn't ErrUnknownExit: %v", err)
	}
}

func TestDispatchRunError(t *testing.T) {
	_, _, err := dispatch(t, &vmm.Dispatcher{}, vmmtest.Errno(unix.EFAULT))

	if !errors.Is(err, vmm.ErrKernelRejected) {
		t.Errorf("error isn't ErrKernelRejected: %v", err)
	}
}

func TestDispatchCancel(t *testing.T) {
	rec := &recorder{}
	b := script(vmmtest.Spin(), vmmtest.IOOut(0x10, 1, []byte("x")))
	vm := vmmtest.NewVM(t, b, mib)
	c := newVCPU(t, vm, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := (&vmm.Dispatcher{IO: rec}).Run(ctx, c)
		done <- err
	}()

	waitState(t, c, vmm.Running)
	cancel()

	err := <-done
	if !errors.Is(err, vmm.ErrInterrupted) {
		t.Errorf("error isn't ErrInterrupted: %v", err)
	}

	if !errors.Is(err, context.Canceled) {
		t.Errorf("error isn't context.Canceled: %v", err)
	}

	if len(rec.Calls()) != 0 {
		t.Error("a handler ran after the loop was interrupted")
	}
}

func TestDispatchCanceledBeforeRun(t *testing.T) {
	b := script(vmmtest.Halt())
	vm := vmmtest.NewVM(t, b, mib)
	c := newVCPU(t, vm, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := (&vmm.Dispatcher{}).Run(ctx, c); !errors.Is(err, vmm.ErrInterrupted) {
		t.Errorf("error isn't ErrInterrupted: %v", err)
	}

	if n := b.VM(0).VCPU(0).Runs(); n != 0 {
		t.Errorf("ran %d times", n)
	}
}

func TestDispatchMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	d := &vmm.Dispatcher{
		IO:      &recorder{},
		Metrics: vmm.NewMetrics(reg),
	}

	_, _, err := dispatch(t, d, vmmtest.Interrupted(), vmmtest.IOOut(0x10, 1, []byte("x")), vmmtest.Halt())
	if err != nil {
		t.Fatal(err)
	}

	const want = `
		# HELP kvmctl_vcpu_exits_total VCPU exits by reason.
		# TYPE kvmctl_vcpu_exits_total counter
		kvmctl_vcpu_exits_total{reason="KVM_EXIT_HLT"} 1
		kvmctl_vcpu_exits_total{reason="KVM_EXIT_INTR"} 1
		kvmctl_vcpu_exits_total{reason="KVM_EXIT_IO"} 1
		# HELP kvmctl_vcpu_interrupts_total Runs that returned early because the VCPU was interrupted.
		# TYPE kvmctl_vcpu_interrupts_total counter
		kvmctl_vcpu_interrupts_total 1
		# HELP kvmctl_vcpu_loops VCPU run loops in progress.
		# TYPE kvmctl_vcpu_loops gauge
		kvmctl_vcpu_loops 0
		# HELP kvmctl_vcpu_runs_total KVM_RUN calls.
		# TYPE kvmctl_vcpu_runs_total counter
		kvmctl_vcpu_runs_total 3
	`

	if err := testutil.GatherAndCompare(reg, bytes.NewBufferString(want)); err != nil {
		t.Error(err)
	}
}
