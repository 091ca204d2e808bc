package ax25

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDest = Address{Callsign: "W1AW", SSID: 1}
	testSrc  = Address{Callsign: "KF7MIX", SSID: 2}
	testDigi = Address{Callsign: "WIDE1", SSID: 1}
)

func TestFrame_RoundTripU(t *testing.T) {
	tests := []struct {
		name    string
		control byte
		pf      bool
		command bool
	}{
		{name: "SABM poll", control: ControlSABM, pf: true, command: true},
		{name: "SABME poll", control: ControlSABME, pf: true, command: true},
		{name: "UA final", control: ControlUA, pf: true, command: false},
		{name: "DISC", control: ControlDISC, pf: true, command: true},
		{name: "DM", control: ControlDM, pf: false, command: false},
		{name: "FRMR", control: ControlFRMR, pf: false, command: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewU(testDest, testSrc, nil, tt.control, tt.pf, tt.command)
			decoded, err := Decode(f.Encode(), Modulo8)
			require.NoError(t, err)

			assert.Equal(t, FrameU, decoded.Type)
			assert.Equal(t, tt.control, decoded.Control)
			assert.Equal(t, tt.pf, decoded.PF)
			assert.Equal(t, tt.command, decoded.Command)
			assert.Equal(t, testDest, decoded.Dest)
			assert.Equal(t, testSrc, decoded.Source)
		})
	}
}

func TestFrame_RoundTripS(t *testing.T) {
	for _, modulo := range []int{Modulo8, Modulo128} {
		for _, control := range []byte{ControlRR, ControlRNR, ControlREJ, ControlSREJ} {
			f := NewS(testDest, testSrc, nil, control, modulo-1, true, false, modulo)
			decoded, err := Decode(f.Encode(), modulo)
			require.NoError(t, err)

			assert.Equal(t, FrameS, decoded.Type)
			assert.Equal(t, control, decoded.Control)
			assert.Equal(t, modulo-1, decoded.NR)
			assert.True(t, decoded.PF)
		}
	}
}

func TestFrame_RoundTripI(t *testing.T) {
	tests := []struct {
		name   string
		modulo int
		ns, nr int
	}{
		{name: "modulo 8", modulo: Modulo8, ns: 5, nr: 7},
		{name: "modulo 8 zero", modulo: Modulo8, ns: 0, nr: 0},
		{name: "modulo 128", modulo: Modulo128, ns: 100, nr: 127},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := []byte("hello world")
			f := NewI(testDest, testSrc, nil, tt.ns, tt.nr, true, PIDNoLayer3, info, tt.modulo)
			decoded, err := Decode(f.Encode(), tt.modulo)
			require.NoError(t, err)

			assert.Equal(t, FrameI, decoded.Type)
			assert.Equal(t, tt.ns, decoded.NS)
			assert.Equal(t, tt.nr, decoded.NR)
			assert.True(t, decoded.PF)
			assert.Equal(t, byte(PIDNoLayer3), decoded.PID)
			assert.Equal(t, info, decoded.Info)
		})
	}
}

func TestFrame_RoundTripUI(t *testing.T) {
	f := NewUI(testDest, testSrc, []Address{testDigi}, PIDNoLayer3, []byte("CQ CQ CQ"))
	decoded, err := Decode(f.Encode(), Modulo8)
	require.NoError(t, err)

	assert.Equal(t, FrameU, decoded.Type)
	assert.Equal(t, byte(ControlUI), decoded.Control)
	assert.Equal(t, byte(PIDNoLayer3), decoded.PID)
	assert.Equal(t, []byte("CQ CQ CQ"), decoded.Info)
	require.Len(t, decoded.Path, 1)
	assert.Equal(t, testDigi, decoded.Path[0])
}

func TestFrame_DigipeaterPath(t *testing.T) {
	path := []Address{
		{Callsign: "WIDE1", SSID: 1},
		{Callsign: "WIDE2", SSID: 2},
	}
	f := NewI(testDest, testSrc, path, 1, 2, false, PIDNoLayer3, []byte("x"), Modulo8)
	decoded, err := Decode(f.Encode(), Modulo8)
	require.NoError(t, err)
	assert.Equal(t, path, decoded.Path)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "empty", buf: nil},
		{name: "one byte", buf: []byte{0x00}},
		{name: "below minimum", buf: make([]byte, minFrameSize-1)},
		{
			name: "missing control field",
			buf: func() []byte {
				// Two addresses, source marked last, nothing after.
				b := testDest.encode(false, true)
				return append(b, testSrc.encode(true, false)...)
			}(),
		},
		{
			name: "unterminated digipeater path",
			buf: func() []byte {
				b := testDest.encode(false, true)
				b = append(b, testSrc.encode(false, false)...)
				// Path never sets the extension bit; decoder runs out.
				b = append(b, testDigi.encode(false, false)...)
				return append(b, 0x3F)
			}(),
		},
		{
			name: "I frame without PID",
			buf: func() []byte {
				b := testDest.encode(false, true)
				b = append(b, testSrc.encode(true, false)...)
				return append(b, 0x00) // I frame control, no PID byte
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf, Modulo8)
			assert.Error(t, err)
		})
	}
}

func TestDecode_EmptyInfoIFrame(t *testing.T) {
	f := NewI(testDest, testSrc, nil, 0, 0, false, PIDNoLayer3, nil, Modulo8)
	decoded, err := Decode(f.Encode(), Modulo8)
	require.NoError(t, err)
	assert.Empty(t, decoded.Info)
}

func TestFrame_ControlName(t *testing.T) {
	assert.Equal(t, "SABM", NewU(testDest, testSrc, nil, ControlSABM, true, true).ControlName())
	assert.Equal(t, "RR", NewS(testDest, testSrc, nil, ControlRR, 0, false, false, Modulo8).ControlName())
	assert.Equal(t, "I", NewI(testDest, testSrc, nil, 0, 0, false, PIDNoLayer3, nil, Modulo8).ControlName())
}

func BenchmarkFrame_Decode(b *testing.B) {
	raw := NewI(testDest, testSrc, nil, 3, 4, true, PIDNoLayer3, make([]byte, 128), Modulo8).Encode()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Decode(raw, Modulo8)
	}
}
