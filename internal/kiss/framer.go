// Package kiss implements the KISS byte framing used between the engine
// and a TNC. The decoder is a streaming parser: bytes may arrive in
// arbitrary chunks and frames are emitted as soon as they complete.
package kiss

// KISS protocol constants
const (
	FEND  = 0xC0 // frame delimiter
	FESC  = 0xDB // escape
	TFEND = 0xDC // transposed FEND
	TFESC = 0xDD // transposed FESC

	// CmdData is the data command nibble. Other values are hardware
	// control commands owned by the modem and passed through untouched.
	CmdData = 0x00

	// TNC parameter commands, sent once at startup.
	CmdTxDelay     = 0x01
	CmdPersistence = 0x02
	CmdSlotTime    = 0x03
)

// Frame is a single decoded KISS frame.
type Frame struct {
	Channel uint8  // TNC channel, high nibble of the command byte
	Command uint8  // command nibble (0 = data)
	Payload []byte // unescaped payload, may be empty
}

// IsData returns true for ordinary data frames.
func (f *Frame) IsData() bool {
	return f.Command == CmdData
}

// Encode wraps a payload in a KISS data frame for the given channel.
// Delimiter and escape bytes inside the payload are escaped with the
// two-byte transposed sequences.
func Encode(payload []byte, channel uint8) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, FEND, (channel<<4)|CmdData)
	out = appendEscaped(out, payload)
	out = append(out, FEND)
	return out
}

// EncodeCommand builds a frame with an explicit command nibble, used for
// hardware control passthrough.
func EncodeCommand(payload []byte, channel, command uint8) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, FEND, (channel<<4)|(command&0x0F))
	out = appendEscaped(out, payload)
	out = append(out, FEND)
	return out
}

func appendEscaped(out, payload []byte) []byte {
	for _, b := range payload {
		switch b {
		case FEND:
			out = append(out, FESC, TFEND)
		case FESC:
			out = append(out, FESC, TFESC)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Decoder is a stateful streaming KISS decoder. The zero value is ready
// to use. It is not safe for concurrent use; the engine owns one decoder
// per transport.
type Decoder struct {
	inFrame bool
	escaped bool
	haveCmd bool
	cmd     byte
	buf     []byte
}

// Feed consumes a chunk of raw bytes and returns every frame completed
// by it. Partial frames, including a trailing escape byte, are held in
// internal state until more bytes arrive. Garbage outside a frame is
// skipped; the decoder resynchronizes at the next delimiter. Feed never
// blocks and never fails.
func (d *Decoder) Feed(chunk []byte) []Frame {
	var frames []Frame

	for _, b := range chunk {
		if !d.inFrame {
			if b == FEND {
				d.reset()
				d.inFrame = true
			}
			// Anything before the first delimiter is noise.
			continue
		}

		if b == FEND {
			if d.haveCmd {
				frames = append(frames, Frame{
					Channel: d.cmd >> 4,
					Command: d.cmd & 0x0F,
					Payload: d.buf,
				})
			}
			// Runs of delimiters are frame separators, not errors.
			d.reset()
			d.inFrame = true
			continue
		}

		if !d.haveCmd {
			d.cmd = b
			d.haveCmd = true
			d.buf = []byte{}
			continue
		}

		if d.escaped {
			switch b {
			case TFEND:
				d.buf = append(d.buf, FEND)
			case TFESC:
				d.buf = append(d.buf, FESC)
			default:
				// Unknown escape: keep the byte, stay in sync.
				d.buf = append(d.buf, b)
			}
			d.escaped = false
			continue
		}

		if b == FESC {
			d.escaped = true
			continue
		}

		d.buf = append(d.buf, b)
	}

	return frames
}

func (d *Decoder) reset() {
	d.inFrame = false
	d.escaped = false
	d.haveCmd = false
	d.cmd = 0
	d.buf = nil
}
