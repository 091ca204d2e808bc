// Package ax25 implements the link-layer frame codec: 7-byte shifted
// addresses, digipeater paths, and the unnumbered, supervisory and
// information control field families in modulo 8 or modulo 128.
package ax25

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// AddressLength is the fixed on-air size of one address field.
	AddressLength = 7

	callsignLength = 6

	// MaxSSID is the largest sub-station identifier.
	MaxSSID = 15
)

// Status byte layout inside an encoded address.
const (
	addrExtensionBit = 0x01 // set on the last address of the frame
	addrReservedBits = 0x60 // reserved, transmitted as ones
	addrCommandBit   = 0x80 // C bit
	addrSSIDMask     = 0x1E
)

// Address is a callsign plus numeric sub-station identifier.
type Address struct {
	Callsign string
	SSID     uint8
}

// ParseAddress parses "CALL" or "CALL-N" notation.
func ParseAddress(s string) (Address, error) {
	call := strings.ToUpper(strings.TrimSpace(s))
	ssid := 0

	if idx := strings.IndexByte(call, '-'); idx >= 0 {
		n, err := strconv.Atoi(call[idx+1:])
		if err != nil || n < 0 || n > MaxSSID {
			return Address{}, fmt.Errorf("invalid SSID in address %q", s)
		}
		ssid = n
		call = call[:idx]
	}

	if len(call) == 0 || len(call) > callsignLength {
		return Address{}, fmt.Errorf("invalid callsign %q: must be 1-%d characters", s, callsignLength)
	}

	return Address{Callsign: call, SSID: uint8(ssid)}, nil
}

// String renders the address in "CALL-N" notation, omitting a zero SSID.
func (a Address) String() string {
	if a.SSID == 0 {
		return a.Callsign
	}
	return fmt.Sprintf("%s-%d", a.Callsign, a.SSID)
}

// encode packs the address into 7 bytes: six space-padded characters
// shifted left one bit, then a status byte carrying the C bit, the
// reserved bits, the SSID and the extension bit.
func (a Address) encode(last, command bool) []byte {
	out := make([]byte, AddressLength)

	call := a.Callsign
	if len(call) > callsignLength {
		call = call[:callsignLength]
	}
	for i := 0; i < callsignLength; i++ {
		c := byte(' ')
		if i < len(call) {
			c = call[i]
		}
		out[i] = c << 1
	}

	out[6] = addrReservedBits | ((a.SSID & MaxSSID) << 1)
	if last {
		out[6] |= addrExtensionBit
	}
	if command {
		out[6] |= addrCommandBit
	}
	return out
}

// decodeAddress unpacks one 7-byte address field. It returns the
// address, whether the extension bit marks it as the last address, and
// the raw C bit.
func decodeAddress(b []byte) (addr Address, last, command bool, err error) {
	if len(b) < AddressLength {
		return Address{}, false, false, fmt.Errorf("address field too short: got %d bytes, need %d", len(b), AddressLength)
	}

	call := make([]byte, 0, callsignLength)
	for i := 0; i < callsignLength; i++ {
		c := b[i] >> 1
		if b[i]&0x01 != 0 {
			return Address{}, false, false, fmt.Errorf("address byte %d has low bit set", i)
		}
		if c != ' ' {
			call = append(call, c)
		}
	}

	addr = Address{
		Callsign: string(call),
		SSID:     (b[6] & addrSSIDMask) >> 1,
	}
	last = b[6]&addrExtensionBit != 0
	command = b[6]&addrCommandBit != 0
	return addr, last, command, nil
}

// PathSignature renders a digipeater path as a stable cache-key string.
func PathSignature(path []Address) string {
	if len(path) == 0 {
		return ""
	}
	parts := make([]string, len(path))
	for i, a := range path {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}
