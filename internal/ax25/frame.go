package ax25

import (
	"fmt"
)

// FrameType discriminates the three control field families.
type FrameType int

const (
	FrameU FrameType = iota // unnumbered: connection control
	FrameS                  // supervisory: acknowledgment only
	FrameI                  // information: data bearing
)

// Unnumbered control values with the P/F bit masked out.
const (
	ControlSABM  = 0x2F // connect, modulo 8
	ControlSABME = 0x6F // connect, modulo 128
	ControlUA    = 0x63 // connect/disconnect acknowledge
	ControlDISC  = 0x43 // disconnect
	ControlDM    = 0x0F // disconnect mode
	ControlFRMR  = 0x87 // frame reject
	ControlUI    = 0x03 // unnumbered information
)

// Supervisory subtypes (low nibble of the control field).
const (
	ControlRR   = 0x01 // receive ready
	ControlRNR  = 0x05 // receive not ready
	ControlREJ  = 0x09 // reject
	ControlSREJ = 0x0D // selective reject, only when negotiated
)

// Protocol identifiers.
const (
	// PIDNoLayer3 marks plain text so non-aware stations display the
	// payload safely. Structured datagrams also use it, distinguished
	// by their ASCII magic prefix.
	PIDNoLayer3 = 0xF0
)

// Sequence number spaces.
const (
	Modulo8   = 8
	Modulo128 = 128
)

const (
	pfBitMod8    = 0x10
	minFrameSize = 2*AddressLength + 1 // two addresses plus one control byte
)

// Frame is one decoded link-layer frame.
type Frame struct {
	Dest    Address
	Source  Address
	Path    []Address // digipeater list, in hop order
	Command bool      // command vs response, from the address C bits

	Type    FrameType
	Control byte // family control value with P/F masked out
	PF      bool // poll (command) or final (response) bit
	NS      int  // send sequence, information frames only
	NR      int  // receive sequence, I and S frames
	Modulo  int  // 8 or 128; fixed per session

	PID  byte
	Info []byte
}

// NewU builds an unnumbered frame.
func NewU(dest, source Address, path []Address, control byte, pf, command bool) *Frame {
	return &Frame{
		Dest: dest, Source: source, Path: path,
		Command: command,
		Type:    FrameU,
		Control: control,
		PF:      pf,
		Modulo:  Modulo8,
	}
}

// NewS builds a supervisory frame carrying an N(R) acknowledgment.
func NewS(dest, source Address, path []Address, control byte, nr int, pf, command bool, modulo int) *Frame {
	return &Frame{
		Dest: dest, Source: source, Path: path,
		Command: command,
		Type:    FrameS,
		Control: control,
		NR:      nr,
		PF:      pf,
		Modulo:  modulo,
	}
}

// NewI builds an information frame.
func NewI(dest, source Address, path []Address, ns, nr int, pf bool, pid byte, info []byte, modulo int) *Frame {
	return &Frame{
		Dest: dest, Source: source, Path: path,
		Command: true,
		Type:    FrameI,
		Control: 0,
		NS:      ns,
		NR:      nr,
		PF:      pf,
		Modulo:  modulo,
		PID:     pid,
		Info:    info,
	}
}

// NewUI builds an unconnected information frame.
func NewUI(dest, source Address, path []Address, pid byte, info []byte) *Frame {
	f := NewU(dest, source, path, ControlUI, false, true)
	f.PID = pid
	f.Info = info
	return f
}

// hasPID reports whether the frame carries a protocol identifier byte.
func (f *Frame) hasPID() bool {
	return f.Type == FrameI || (f.Type == FrameU && f.Control == ControlUI)
}

// Encode serializes the frame. Address and control encoding is exactly
// reversible by Decode.
func (f *Frame) Encode() []byte {
	out := make([]byte, 0, 2*AddressLength+len(f.Path)*AddressLength+4+len(f.Info))

	// Destination carries the command bit, source carries its inverse.
	out = append(out, f.Dest.encode(false, f.Command)...)
	srcLast := len(f.Path) == 0
	out = append(out, f.Source.encode(srcLast, !f.Command)...)
	for i, digi := range f.Path {
		out = append(out, digi.encode(i == len(f.Path)-1, false)...)
	}

	out = f.appendControl(out)

	if f.hasPID() {
		out = append(out, f.PID)
		out = append(out, f.Info...)
	}
	return out
}

func (f *Frame) appendControl(out []byte) []byte {
	pf := byte(0)
	if f.PF {
		pf = 1
	}

	switch f.Type {
	case FrameU:
		// Unnumbered control is always one byte; P/F sits at bit 4.
		out = append(out, f.Control|(pf<<4))
	case FrameS:
		if f.Modulo == Modulo128 {
			out = append(out, f.Control, byte(f.NR)<<1|pf)
		} else {
			out = append(out, f.Control|byte(f.NR)<<5|pf<<4)
		}
	case FrameI:
		if f.Modulo == Modulo128 {
			out = append(out, byte(f.NS)<<1, byte(f.NR)<<1|pf)
		} else {
			out = append(out, byte(f.NS)<<1|byte(f.NR)<<5|pf<<4)
		}
	}
	return out
}

// Decode parses a raw link-layer frame. modulo selects the sequence
// number space used for I and S control fields; unnumbered frames are
// unaffected by it. Malformed or truncated buffers return an error and
// never panic.
func Decode(buf []byte, modulo int) (*Frame, error) {
	if modulo != Modulo8 && modulo != Modulo128 {
		return nil, fmt.Errorf("invalid modulo %d", modulo)
	}
	if len(buf) < minFrameSize {
		return nil, fmt.Errorf("frame too short: got %d bytes, need at least %d", len(buf), minFrameSize)
	}

	dest, destLast, destC, err := decodeAddress(buf[0:AddressLength])
	if err != nil {
		return nil, fmt.Errorf("bad destination address: %v", err)
	}
	if destLast {
		return nil, fmt.Errorf("destination address marked as last")
	}

	src, srcLast, srcC, err := decodeAddress(buf[AddressLength : 2*AddressLength])
	if err != nil {
		return nil, fmt.Errorf("bad source address: %v", err)
	}

	f := &Frame{
		Dest:    dest,
		Source:  src,
		Command: destC && !srcC,
		Modulo:  modulo,
	}

	off := 2 * AddressLength
	last := srcLast
	for !last {
		if off+AddressLength > len(buf) {
			return nil, fmt.Errorf("truncated digipeater path at offset %d", off)
		}
		digi, digiLast, _, err := decodeAddress(buf[off : off+AddressLength])
		if err != nil {
			return nil, fmt.Errorf("bad digipeater address: %v", err)
		}
		f.Path = append(f.Path, digi)
		off += AddressLength
		last = digiLast
	}

	if off >= len(buf) {
		return nil, fmt.Errorf("missing control field")
	}

	ctl := buf[off]
	off++

	switch {
	case ctl&0x01 == 0: // information
		f.Type = FrameI
		if modulo == Modulo128 {
			if off >= len(buf) {
				return nil, fmt.Errorf("truncated extended control field")
			}
			f.NS = int(ctl >> 1)
			f.NR = int(buf[off] >> 1)
			f.PF = buf[off]&0x01 != 0
			off++
		} else {
			f.NS = int(ctl>>1) & 0x07
			f.NR = int(ctl >> 5)
			f.PF = ctl&pfBitMod8 != 0
		}
	case ctl&0x03 == 0x01: // supervisory
		f.Type = FrameS
		if modulo == Modulo128 {
			if off >= len(buf) {
				return nil, fmt.Errorf("truncated extended control field")
			}
			f.Control = ctl
			f.NR = int(buf[off] >> 1)
			f.PF = buf[off]&0x01 != 0
			off++
		} else {
			f.Control = ctl & 0x0F
			f.NR = int(ctl >> 5)
			f.PF = ctl&pfBitMod8 != 0
		}
	default: // unnumbered
		f.Type = FrameU
		f.Control = ctl &^ byte(pfBitMod8)
		f.PF = ctl&pfBitMod8 != 0
	}

	if f.hasPID() {
		if off >= len(buf) {
			// An information frame with no PID byte is malformed.
			return nil, fmt.Errorf("missing protocol identifier")
		}
		f.PID = buf[off]
		off++
		if off < len(buf) {
			f.Info = append([]byte(nil), buf[off:]...)
		}
	}

	return f, nil
}

// ControlName returns a short human-readable name for logging.
func (f *Frame) ControlName() string {
	switch f.Type {
	case FrameI:
		return "I"
	case FrameS:
		switch f.Control {
		case ControlRR:
			return "RR"
		case ControlRNR:
			return "RNR"
		case ControlREJ:
			return "REJ"
		case ControlSREJ:
			return "SREJ"
		}
	case FrameU:
		switch f.Control {
		case ControlSABM:
			return "SABM"
		case ControlSABME:
			return "SABME"
		case ControlUA:
			return "UA"
		case ControlDISC:
			return "DISC"
		case ControlDM:
			return "DM"
		case ControlFRMR:
			return "FRMR"
		case ControlUI:
			return "UI"
		}
	}
	return fmt.Sprintf("0x%02X", f.Control)
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s %s>%s NS=%d NR=%d PF=%v len=%d",
		f.ControlName(), f.Source, f.Dest, f.NS, f.NR, f.PF, len(f.Info))
}
