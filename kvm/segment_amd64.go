//go:build linux

package kvm

// A segment descriptor packs a Segment's attributes into two places:
//
//	access byte (descriptor bits 40-47):
//	  bit 7    P    present
//	  bits 6-5 DPL  descriptor privilege level
//	  bit 4    S    code/data (1) or system (0)
//	  bits 3-0 Type segment type
//
//	flags nibble (descriptor bits 52-55):
//	  bit 3    G    4K granularity
//	  bit 2    DB   default operand size
//	  bit 1    L    64-bit code
//	  bit 0    AVL  available for software
//
// VMX access rights use the same bits as a 16-bit word (access byte in bits
// 0-7, flags nibble in bits 12-15) plus bit 16 for "unusable".

const (
	accessTypeMask  = 0x0f
	accessSShift    = 4
	accessDPLShift  = 5
	accessDPLMask   = 0x3
	accessPShift    = 7
	flagsAVLShift   = 0
	flagsLShift     = 1
	flagsDBShift    = 2
	flagsGShift     = 3
	arFlagsShift    = 12
	arUnusableShift = 16
)

// AccessByte returns the segment's P, DPL, S, and Type packed into a
// descriptor access byte.
func (s *Segment) AccessByte() uint8 {
	return bit(s.Present)<<accessPShift |
		(s.DPL&accessDPLMask)<<accessDPLShift |
		bit(s.S)<<accessSShift |
		s.Type&accessTypeMask
}

// SetAccessByte unpacks a descriptor access byte into P, DPL, S, and Type.
func (s *Segment) SetAccessByte(b uint8) {
	s.Present = b >> accessPShift & 1
	s.DPL = b >> accessDPLShift & accessDPLMask
	s.S = b >> accessSShift & 1
	s.Type = b & accessTypeMask
}

// Flags returns the segment's G, DB, L, and AVL packed into the low nibble.
func (s *Segment) Flags() uint8 {
	return bit(s.G)<<flagsGShift |
		bit(s.DB)<<flagsDBShift |
		bit(s.L)<<flagsLShift |
		bit(s.AVL)<<flagsAVLShift
}

// SetFlags unpacks a descriptor flags nibble into G, DB, L, and AVL.
func (s *Segment) SetFlags(f uint8) {
	s.G = f >> flagsGShift & 1
	s.DB = f >> flagsDBShift & 1
	s.L = f >> flagsLShift & 1
	s.AVL = f >> flagsAVLShift & 1
}

// AccessRights returns the segment attributes in the VMX access-rights format.
func (s *Segment) AccessRights() uint32 {
	return uint32(s.AccessByte()) |
		uint32(s.Flags())<<arFlagsShift |
		uint32(bit(s.Unusable))<<arUnusableShift
}

// GDTEntry encodes the segment as an 8-byte GDT descriptor. Limit is the
// descriptor's 20-bit limit field, so a segment with G set should carry its
// limit in 4K units. GDTEntry panics if Base doesn't fit in 32 bits.
func (s *Segment) GDTEntry() uint64 {
	if s.Base>>32 != 0 {
		panic("kvm: segment base doesn't fit in a GDT entry")
	}

	var (
		base  = s.Base
		limit = uint64(s.Limit)
	)

	return (base&0xff000000)<<(56-24) |
		uint64(s.Flags())<<52 |
		(limit&0x000f0000)<<(48-16) |
		uint64(s.AccessByte())<<40 |
		(base&0x00ffffff)<<16 |
		limit&0x0000ffff
}

// SegmentFromGDTEntry decodes an 8-byte GDT descriptor. The selector is not
// part of the descriptor, so it must be supplied. If the descriptor isn't
// present, the result is marked unusable.
func SegmentFromGDTEntry(selector uint16, entry uint64) Segment {
	s := Segment{
		Base:     (entry>>16)&0x00ffffff | (entry>>(56-24))&0xff000000,
		Limit:    uint32(entry&0x0000ffff | (entry>>(48-16))&0x000f0000),
		Selector: selector,
	}

	s.SetAccessByte(uint8(entry >> 40))
	s.SetFlags(uint8(entry>>52) & 0xf)

	if s.Present == 0 {
		s.Unusable = 1
	}

	return s
}

func bit(v uint8) uint8 {
	if v != 0 {
		return 1
	}

	return 0
}
