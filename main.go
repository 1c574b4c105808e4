//go:build linux

// Command kvmctl boots a flat real-mode binary in a one-VCPU VM and connects
// a debug console port to the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"

	"github.com/c35s/kvmctl/bus"
	"github.com/c35s/kvmctl/kvm"
	"github.com/c35s/kvmctl/vmm"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func main() {
	var (
		devPath = flag.String("dev", vmm.DefaultDevicePath, "open KVM at this device node")
		memSize = flag.String("mem", "16M", "set the VM's memory size")
		addr    = flag.Uint64("addr", 0x1000, "load the image at this guest physical address and start there")
		port    = flag.Uint("port", 0xe9, "forward this IO port to the terminal")
		resume  = flag.Bool("resume-on-halt", false, "keep running after the guest halts")
		metrics = flag.String("metrics", "", "serve prometheus metrics at this address")
		verbose = flag.Bool("v", false, "log debug messages")
	)

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] image\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	mem, err := units.RAMInBytes(*memSize)
	if err != nil {
		log.Error("bad -mem", "err", err)
		os.Exit(2)
	}

	if *port > 0xffff {
		log.Error("bad -port", "port", *port)
		os.Exit(2)
	}

	if *addr >= 1<<20 {
		log.Error("bad -addr: the image must start below 1M", "addr", *addr)
		os.Exit(2)
	}

	image, err := readURL(flag.Arg(0))
	if err != nil {
		log.Error("read image", "err", err)
		os.Exit(1)
	}

	r := runner{
		devPath:     *devPath,
		memSize:     int(mem),
		port:        uint16(*port),
		resume:      *resume,
		metricsAddr: *metrics,
		loader:      &flatLoader{image: image, addr: *addr},
		log:         log,
	}

	if err := r.run(); err != nil {
		log.Error("run failed", "err", err)
		os.Exit(1)
	}
}

type runner struct {
	devPath     string
	memSize     int
	port        uint16
	resume      bool
	metricsAddr string
	loader      vmm.Loader
	log         *slog.Logger
}

func (r *runner) run() error {
	var ports bus.IO
	if err := ports.Register(r.port, 1, &bus.Console{In: os.Stdin, Out: os.Stdout}); err != nil {
		return err
	}

	cfg := vmm.Config{
		DevicePath:   r.devPath,
		MemSize:      r.memSize,
		Loader:       r.loader,
		IO:           &ports,
		ResumeOnHalt: r.resume,
		Logger:       r.log,
	}

	if r.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		cfg.Metrics = vmm.NewMetrics(reg)

		srv := &http.Server{
			Addr:    r.metricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}

		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				r.log.Error("metrics server failed", "err", err)
			}
		}()

		defer srv.Close()
	}

	m, err := vmm.New(cfg)
	if err != nil {
		return err
	}

	defer m.Close()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return err
		}

		defer term.Restore(int(os.Stdin.Fd()), old)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	err = m.Run(ctx)

	for _, res := range m.Results() {
		r.log.Info("VCPU stopped", "vcpu", res.VCPU, "reason", res.Reason, "exits", res.Exits)
	}

	return err
}

// flatLoader loads a raw binary image and starts VCPU 0 at its first byte
// in real mode, with every segment at the image's paragraph.
type flatLoader struct {
	image []byte
	addr  uint64
}

func (l *flatLoader) LoadMemory(info vmm.VMInfo, regions []*vmm.MemoryRegion) error {
	mem := regions[0]
	if !mem.Contains(l.addr, len(l.image)) {
		return fmt.Errorf("%s image at %#x doesn't fit in %v",
			units.BytesSize(float64(len(l.image))), l.addr, mem)
	}

	_, err := mem.WriteAt(l.image, int64(l.addr))
	return err
}

func (l *flatLoader) LoadVCPU(info vmm.VMInfo, id int, regs *kvm.Regs, sregs *kvm.Sregs) error {
	seg := kvm.Segment{
		Base:     l.addr &^ 0xf,
		Limit:    0xffff,
		Selector: uint16(l.addr >> 4),
		Present:  1,
		S:        1,
	}

	cs := seg
	cs.Type = 0xb // execute/read, accessed

	data := seg
	data.Type = 0x3 // read/write, accessed

	sregs.CS = cs
	sregs.DS = data
	sregs.ES = data
	sregs.SS = data

	regs.RIP = l.addr & 0xf
	regs.RSP = 0xfffe
	regs.RFlags = 0x2

	return nil
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("kvmctl: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, http.StatusOK)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
