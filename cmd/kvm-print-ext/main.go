//go:build linux

// kvm-print-ext prints information about the KVM API and extensions.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/c35s/kvmctl/kvm"
	"github.com/c35s/kvmctl/vmm"
	"github.com/c35s/kvmctl/vmm/arch"
)

func main() {
	devPath := flag.String("dev", vmm.DefaultDevicePath, "open KVM at this device node")
	flag.Parse()

	dev, err := vmm.Open(*devPath)
	if err != nil {
		slog.Error("open KVM", "err", err)
		os.Exit(1)
	}

	defer dev.Close()

	fmt.Printf("KVM API version: %d\n", dev.Version())

	if sz, err := dev.VCPUMmapSize(); err == nil {
		fmt.Printf("VCPU mmap size: %d\n", sz)
	}

	if err := arch.ValidateKVM(dev); err != nil {
		fmt.Printf("incompatible: %v\n", err)
	}

	fmt.Println("\n# extensions")
	for _, c := range kvm.AllCaps() {
		v, err := dev.CheckExtension(c)
		if err != nil {
			slog.Error("check extension", "cap", c, "err", err)
			os.Exit(1)
		}

		fmt.Printf("%v: %v\n", c, v)
	}
}
