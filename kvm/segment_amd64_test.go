//go:build linux && amd64

package kvm_test

import (
	"testing"

	"github.com/c35s/kvmctl/kvm"
	"github.com/google/go-cmp/cmp"
)

// 64-bit code and flat data segments, as a long-mode loader would install them.
var (
	longCode = kvm.Segment{
		Limit:    0xfffff,
		Selector: 0x8,
		Type:     0xb,
		Present:  1,
		S:        1,
		L:        1,
		G:        1,
	}

	flatData = kvm.Segment{
		Limit:    0xfffff,
		Selector: 0x10,
		Type:     0x3,
		Present:  1,
		S:        1,
		DB:       1,
		G:        1,
	}
)

func TestSegmentAccessByte(t *testing.T) {
	if b := longCode.AccessByte(); b != 0x9b {
		t.Errorf("code access byte %#x != 0x9b", b)
	}

	if b := flatData.AccessByte(); b != 0x93 {
		t.Errorf("data access byte %#x != 0x93", b)
	}

	user := flatData
	user.DPL = 3
	if b := user.AccessByte(); b != 0xf3 {
		t.Errorf("dpl 3 data access byte %#x != 0xf3", b)
	}
}

func TestSegmentFlags(t *testing.T) {
	if f := longCode.Flags(); f != 0xa {
		t.Errorf("code flags %#x != 0xa", f)
	}

	if f := flatData.Flags(); f != 0xc {
		t.Errorf("data flags %#x != 0xc", f)
	}
}

func TestSegmentAccessRights(t *testing.T) {
	if ar := longCode.AccessRights(); ar != 0xa09b {
		t.Errorf("code access rights %#x != 0xa09b", ar)
	}

	unusable := kvm.Segment{Unusable: 1}
	if ar := unusable.AccessRights(); ar != 0x10000 {
		t.Errorf("unusable access rights %#x != 0x10000", ar)
	}
}

func TestSegmentGDTEntry(t *testing.T) {
	tests := []struct {
		name string
		seg  kvm.Segment
		want uint64
	}{
		{"code", longCode, 0x00af9b000000ffff},
		{"data", flatData, 0x00cf93000000ffff},
		{"based", kvm.Segment{Base: 0x12345678, Limit: 0xabcde, Type: 0x3, Present: 1, S: 1}, 0x120a93345678bcde},
	}

	for _, tt := range tests {
		if got := tt.seg.GDTEntry(); got != tt.want {
			t.Errorf("%s: gdt entry %#016x != %#016x", tt.name, got, tt.want)
		}
	}
}

func TestSegmentFromGDTEntry(t *testing.T) {
	for _, want := range []kvm.Segment{longCode, flatData} {
		got := kvm.SegmentFromGDTEntry(want.Selector, want.GDTEntry())
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("segment mismatch (-want +got):\n%s", diff)
		}
	}

	if s := kvm.SegmentFromGDTEntry(0, 0); s.Unusable != 1 {
		t.Errorf("null descriptor isn't unusable: %+v", s)
	}
}

func TestSegmentSetAccessByte(t *testing.T) {
	var s kvm.Segment
	s.SetAccessByte(0xfb)
	s.SetFlags(0xa)

	want := kvm.Segment{Type: 0xb, Present: 1, DPL: 3, S: 1, L: 1, G: 1}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("segment mismatch (-want +got):\n%s", diff)
	}
}

func TestSegmentGDTEntryPanicsOnWideBase(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("no panic for a 64-bit base")
		}
	}()

	s := kvm.Segment{Base: 1 << 32}
	s.GDTEntry()
}
