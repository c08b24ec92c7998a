package hook

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/ZenLiuCN/bootstrap"
	"golang.org/x/arch/x86/x86asm"
)

// Arch encodes jumps and measures relocatable prologues for one instruction set.
type Arch interface {
	Name() string
	JumpSize() int                                          //size of an absolute jump
	Jump(to bootstrap.Sym) []byte                           //absolute jump to to, position independent
	Nop() []byte                                            //one padding instruction
	Prologue(code []byte) (n int, err error)                //count of whole instruction bytes covering JumpSize
	Relocate(code []byte, pc bootstrap.Sym) ([]byte, error) //rewrite a prologue taken at pc to run anywhere
}

// Host returns the Arch of the running process, nil when hooks are not available.
func Host() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return AMD64
	case "arm64":
		return ARM64
	default:
		return nil
	}
}

var (
	AMD64 Arch = amd64{}
	ARM64 Arch = arm64{}
)

type amd64 struct{}

func (amd64) Name() string  { return "amd64" }
func (amd64) JumpSize() int { return 14 }
func (amd64) Nop() []byte   { return []byte{0x90} }

// Jump is jmp qword ptr [rip+0] followed by the target.
func (amd64) Jump(to bootstrap.Sym) []byte {
	b := make([]byte, 14)
	b[0], b[1] = 0xff, 0x25
	binary.LittleEndian.PutUint64(b[6:], uint64(to))
	return b
}

func (a amd64) Prologue(code []byte) (n int, err error) {
	for n < a.JumpSize() {
		if n >= len(code) {
			return n, ErrTooShort
		}
		var inst x86asm.Inst
		if inst, err = x86asm.Decode(code[n:], 64); err != nil {
			return n, fmt.Errorf("decode at +%d: %w", n, err)
		}
		switch inst.Op {
		case x86asm.RET, x86asm.LRET, x86asm.INT, x86asm.UD2:
			return n, ErrTooShort
		}
		if err = relocatable(inst); err != nil {
			return n, fmt.Errorf("%w: %s at +%d", err, inst, n)
		}
		n += inst.Len
	}
	return n, nil
}

// relocatable fails for an instruction depending on its address that ripLoad can not rewrite.
func relocatable(inst x86asm.Inst) error {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch x := arg.(type) {
		case x86asm.Rel:
			return ErrRelativeAddr
		case x86asm.Mem:
			if x.Base != x86asm.RIP {
				continue
			}
			if _, _, ok := ripLoad(inst); !ok {
				return ErrRelativeAddr
			}
		}
	}
	return nil
}

// ripLoad matches lea r64, [rip+d] and mov r32/r64, [rip+d], reg is the destination number.
func ripLoad(inst x86asm.Inst) (reg byte, wide bool, ok bool) {
	if inst.Op != x86asm.LEA && inst.Op != x86asm.MOV {
		return
	}
	r, isReg := inst.Args[0].(x86asm.Reg)
	m, isMem := inst.Args[1].(x86asm.Mem)
	if !isReg || !isMem || m.Base != x86asm.RIP || m.Index != 0 || m.Segment != 0 {
		return
	}
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return byte(r - x86asm.RAX), true, true
	case inst.Op == x86asm.MOV && r >= x86asm.EAX && r <= x86asm.R15L:
		return byte(r - x86asm.EAX), false, true
	}
	return
}

// Relocate turns every rip relative load into mov reg, imm64 followed, for mov, by mov reg, [reg].
func (a amd64) Relocate(code []byte, pc bootstrap.Sym) (out []byte, err error) {
	for off := 0; off < len(code); {
		var inst x86asm.Inst
		if inst, err = x86asm.Decode(code[off:], 64); err != nil {
			return nil, fmt.Errorf("decode at +%d: %w", off, err)
		}
		if err = relocatable(inst); err != nil {
			return nil, fmt.Errorf("%w: %s at +%d", err, inst, off)
		}
		reg, wide, ok := ripLoad(inst)
		if !ok {
			out = append(out, code[off:off+inst.Len]...)
			off += inst.Len
			continue
		}
		addr := uint64(pc) + uint64(off+inst.Len) + uint64(inst.Args[1].(x86asm.Mem).Disp)
		out = append(out, movImm64(reg, addr)...)
		if inst.Op == x86asm.MOV {
			out = append(out, loadIndirect(reg, wide)...)
		}
		off += inst.Len
	}
	return out, nil
}

func movImm64(reg byte, v uint64) []byte {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	return binary.LittleEndian.AppendUint64([]byte{rex, 0xb8 + reg&7}, v)
}

// loadIndirect encodes mov reg, [reg].
func loadIndirect(reg byte, wide bool) (b []byte) {
	rex := byte(0x40)
	if wide {
		rex |= 0x08
	}
	if reg >= 8 {
		rex |= 0x04 | 0x01
	}
	if rex != 0x40 {
		b = append(b, rex)
	}
	low := reg & 7
	switch low {
	case 4: //rsp, r12 need a sib byte
		return append(b, 0x8b, low<<3|4, 0x24)
	case 5: //rbp, r13 need a displacement
		return append(b, 0x8b, 0x40|low<<3|5, 0)
	default:
		return append(b, 0x8b, low<<3|low)
	}
}

type arm64 struct{}

func (arm64) Name() string  { return "arm64" }
func (arm64) JumpSize() int { return 16 }
func (arm64) Nop() []byte   { return []byte{0x1f, 0x20, 0x03, 0xd5} }

// Jump is ldr x17, #8; br x17 followed by the target.
func (arm64) Jump(to bootstrap.Sym) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], 0x58000051)
	binary.LittleEndian.PutUint32(b[4:], 0xd61f0220)
	binary.LittleEndian.PutUint64(b[8:], uint64(to))
	return b
}

// pc relative instruction classes, mask and value.
var (
	arm64Address  = [2]uint32{0x1f000000, 0x10000000} //adr, adrp
	arm64Relative = [][2]uint32{
		{0x7c000000, 0x14000000}, //b, bl
		{0xff000010, 0x54000000}, //b.cond
		{0x7e000000, 0x34000000}, //cbz, cbnz
		{0x7e000000, 0x36000000}, //tbz, tbnz
		{0x3b000000, 0x18000000}, //ldr literal
	}
)

func (a arm64) Prologue(code []byte) (n int, err error) {
	for n < a.JumpSize() {
		if n+4 > len(code) {
			return n, ErrTooShort
		}
		op := binary.LittleEndian.Uint32(code[n:])
		if op&0xfffffc1f == 0xd65f0000 { //ret
			return n, ErrTooShort
		}
		if err = arm64Relocatable(op); err != nil {
			return n, fmt.Errorf("%w: %#08x at +%d", err, op, n)
		}
		n += 4
	}
	return n, nil
}

func arm64Relocatable(op uint32) error {
	for _, r := range arm64Relative {
		if op&r[0] == r[1] {
			return ErrRelativeAddr
		}
	}
	return nil
}

// Relocate turns adr and adrp into ldr xN, #8; b #12 followed by the computed address.
func (a arm64) Relocate(code []byte, pc bootstrap.Sym) (out []byte, err error) {
	if len(code)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(code))
	}
	for off := 0; off < len(code); off += 4 {
		op := binary.LittleEndian.Uint32(code[off:])
		if err = arm64Relocatable(op); err != nil {
			return nil, fmt.Errorf("%w: %#08x at +%d", err, op, off)
		}
		if op&arm64Address[0] != arm64Address[1] {
			out = append(out, code[off:off+4]...)
			continue
		}
		immhi, immlo := (op>>5)&0x7ffff, (op>>29)&3
		imm := int64(int32((immhi<<2|immlo)<<11) >> 11)
		at := uint64(pc) + uint64(off)
		addr := at + uint64(imm)
		if op&0x80000000 != 0 {
			addr = at&^0xfff + uint64(imm<<12)
		}
		out = binary.LittleEndian.AppendUint32(out, 0x58000040|op&0x1f)
		out = binary.LittleEndian.AppendUint32(out, 0x14000003)
		out = binary.LittleEndian.AppendUint64(out, addr)
	}
	return out, nil
}
