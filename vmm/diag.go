//go:build linux

package vmm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// cr0PE is the protection-enable bit of CR0.
const cr0PE = 1 << 0

// diagnose describes the instruction at the VCPU's CS:RIP for an error message.
func diagnose(c *VCPU) string {
	regs, err := c.Regs()
	if err != nil {
		return fmt.Sprintf("no registers: %v", err)
	}

	sregs, err := c.Sregs()
	if err != nil {
		return fmt.Sprintf("rip %#x: no special registers: %v", regs.RIP, err)
	}

	pc := sregs.CS.Base + regs.RIP

	var code [15]byte // longest x86 instruction
	n, _ := c.vm.ReadAt(code[:], int64(pc))
	if n == 0 {
		return fmt.Sprintf("rip %#x: not in guest memory", pc)
	}

	mode := 16
	if sregs.CR0&cr0PE != 0 {
		switch {
		case sregs.CS.L != 0:
			mode = 64
		case sregs.CS.DB != 0:
			mode = 32
		}
	}

	inst, err := x86asm.Decode(code[:n], mode)
	if err != nil {
		return fmt.Sprintf("rip %#x: % x: %v", pc, code[:n], err)
	}

	return fmt.Sprintf("rip %#x: %s", pc, x86asm.GNUSyntax(inst, pc, nil))
}
