package isotp

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseSingleFrame(t *testing.T) {
	msg := &CanMessage{Data: []byte{0x03, 0x01, 0x02, 0x03, 0xCC, 0xCC, 0xCC, 0xCC}}
	pdu, err := ParsePDU(msg, 0)
	require.Nil(t, err)
	assert.Equal(t, PDUSingleFrame, pdu.Type)
	assert.Equal(t, 3, pdu.Length)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, pdu.Data)

	// Escape form on a CAN-FD frame
	data := make([]byte, 12)
	data[0] = 0x00
	data[1] = 10
	for i := 0; i < 10; i++ {
		data[2+i] = byte(i)
	}
	pdu, err = ParsePDU(&CanMessage{Data: data}, 0)
	require.Nil(t, err)
	assert.Equal(t, PDUSingleFrame, pdu.Type)
	assert.Equal(t, 10, pdu.Length)
	assert.True(t, pdu.EscapeSequence)
	assert.Equal(t, 12, pdu.RxDl)
}

func TestParseSingleFrameErrors(t *testing.T) {
	// Length of zero
	_, err := ParsePDU(&CanMessage{Data: []byte{0x00, 0x00}}, 0)
	assert.ErrorIs(t, err, ErrInvalidCanData)
	// Length exceeding the data field
	_, err = ParsePDU(&CanMessage{Data: []byte{0x05, 0x01, 0x02}}, 0)
	assert.ErrorIs(t, err, ErrInvalidCanData)
	// Empty data field
	_, err = ParsePDU(&CanMessage{Data: []byte{}}, 0)
	assert.ErrorIs(t, err, ErrInvalidCanData)
	// Nothing left after the address prefix
	_, err = ParsePDU(&CanMessage{Data: []byte{0x77}}, 1)
	assert.ErrorIs(t, err, ErrInvalidCanData)
}

func TestParseFirstFrame(t *testing.T) {
	// Wire example : 10 bytes declared, 6 carried
	msg := &CanMessage{Data: []byte{0x10, 0x0A, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05}}
	pdu, err := ParsePDU(msg, 0)
	require.Nil(t, err)
	assert.Equal(t, PDUFirstFrame, pdu.Type)
	assert.Equal(t, 10, pdu.Length)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}, pdu.Data)
	assert.Equal(t, 8, pdu.RxDl)

	// 32 bits escape on a CAN-FD frame
	data := make([]byte, 64)
	data[0] = 0x10
	data[1] = 0x00
	data[2] = 0x00
	data[3] = 0x01
	data[4] = 0x00
	data[5] = 0x00
	pdu, err = ParsePDU(&CanMessage{Data: data}, 0)
	require.Nil(t, err)
	assert.Equal(t, 0x10000, pdu.Length)
	assert.True(t, pdu.EscapeSequence)
	assert.Equal(t, 58, len(pdu.Data))
}

func TestParseFirstFrameErrors(t *testing.T) {
	// Escape sequence on a classical frame
	_, err := ParsePDU(&CanMessage{Data: []byte{0x10, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}}, 0)
	assert.ErrorIs(t, err, ErrMissingEscapeSequence)
	// Too short
	_, err = ParsePDU(&CanMessage{Data: []byte{0x10}}, 0)
	assert.ErrorIs(t, err, ErrInvalidCanData)
	// First frame on an invalid CAN-FD width
	data := make([]byte, 10)
	data[0] = 0x10
	data[1] = 0x20
	_, err = ParsePDU(&CanMessage{Data: data}, 0)
	assert.ErrorIs(t, err, ErrInvalidCanFdFirstFrameRXDL)
}

func TestParseConsecutiveFrame(t *testing.T) {
	msg := &CanMessage{Data: []byte{0x21, 0x06, 0x07, 0x08, 0x09}}
	pdu, err := ParsePDU(msg, 0)
	require.Nil(t, err)
	assert.Equal(t, PDUConsecutiveFrame, pdu.Type)
	assert.Equal(t, uint8(1), pdu.SeqNum)
	assert.Equal(t, []byte{0x06, 0x07, 0x08, 0x09}, pdu.Data)
}

func TestParseFlowControl(t *testing.T) {
	pdu, err := ParsePDU(&CanMessage{Data: []byte{0x30, 0x08, 0x05}}, 0)
	require.Nil(t, err)
	assert.Equal(t, PDUFlowControl, pdu.Type)
	assert.Equal(t, FlowStatusContinue, pdu.FlowStatus)
	assert.Equal(t, uint8(8), pdu.BlockSize)
	assert.Equal(t, 5*time.Millisecond, pdu.STmin())

	pdu, err = ParsePDU(&CanMessage{Data: []byte{0x32, 0x00, 0x00}}, 0)
	require.Nil(t, err)
	assert.Equal(t, FlowStatusOverflow, pdu.FlowStatus)

	// Unknown flow status
	_, err = ParsePDU(&CanMessage{Data: []byte{0x35, 0x00, 0x00}}, 0)
	assert.ErrorIs(t, err, ErrUnexpectedFlowControl)
	// Truncated
	_, err = ParsePDU(&CanMessage{Data: []byte{0x30, 0x00}}, 0)
	assert.ErrorIs(t, err, ErrUnexpectedFlowControl)
}

func TestSTminDecoding(t *testing.T) {
	assert.Equal(t, time.Duration(0), STminToDuration(0x00))
	assert.Equal(t, 127*time.Millisecond, STminToDuration(0x7F))
	assert.Equal(t, 100*time.Microsecond, STminToDuration(0xF1))
	assert.Equal(t, 900*time.Microsecond, STminToDuration(0xF9))
	// Reserved values read as the maximum
	assert.Equal(t, 127*time.Millisecond, STminToDuration(0x80))
	assert.Equal(t, 127*time.Millisecond, STminToDuration(0xF0))
	assert.Equal(t, 127*time.Millisecond, STminToDuration(0xFA))
	assert.Equal(t, 127*time.Millisecond, STminToDuration(0xFF))
}

func TestCraftSingleFrame(t *testing.T) {
	field, err := craftSingleFrame([]byte{0x01, 0x02, 0x03}, nil, 8, false)
	require.Nil(t, err)
	assert.Equal(t, []byte{0x03, 0x01, 0x02, 0x03}, field)

	// With an address prefix
	field, err = craftSingleFrame([]byte{0x01, 0x02}, []byte{0x77}, 8, false)
	require.Nil(t, err)
	assert.Equal(t, []byte{0x77, 0x02, 0x01, 0x02}, field)

	// Escape form once the classical frame is exceeded
	payload := make([]byte, 10)
	field, err = craftSingleFrame(payload, nil, 64, true)
	require.Nil(t, err)
	assert.Equal(t, byte(0x00), field[0])
	assert.Equal(t, byte(10), field[1])
	assert.Equal(t, 12, len(field))

	// Does not fit at all
	_, err = craftSingleFrame(payload, nil, 8, false)
	assert.NotNil(t, err)
}

// CAN-FD cuts the nibble form off at 6 bytes of payload, classical at 7
func TestCraftSingleFrameFdThreshold(t *testing.T) {
	// 7 bytes, classical : nibble form fills the frame
	field, err := craftSingleFrame(sequencedPayload(7), nil, 8, false)
	require.Nil(t, err)
	assert.Equal(t, byte(0x07), field[0])
	assert.Equal(t, 8, len(field))

	// 6 bytes, CAN-FD : still the nibble form
	field, err = craftSingleFrame(sequencedPayload(6), nil, 64, true)
	require.Nil(t, err)
	assert.Equal(t, byte(0x06), field[0])
	assert.Equal(t, 7, len(field))

	// 7 bytes, CAN-FD : escape form required
	field, err = craftSingleFrame(sequencedPayload(7), nil, 64, true)
	require.Nil(t, err)
	assert.Equal(t, byte(0x00), field[0])
	assert.Equal(t, byte(7), field[1])
	assert.Equal(t, 9, len(field))

	// With a prefix the CAN-FD nibble cutoff moves down to 5
	field, err = craftSingleFrame(sequencedPayload(6), []byte{0x77}, 64, true)
	require.Nil(t, err)
	assert.Equal(t, []byte{0x77, 0x00, 0x06}, field[:3])

	// And the receiver rejects a nibble form that should have escaped
	_, err = ParsePDU(&CanMessage{Data: []byte{0x07, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, IsFd: true}, 0)
	assert.ErrorIs(t, err, ErrMissingEscapeSequence)
	pdu, err := ParsePDU(&CanMessage{Data: []byte{0x06, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05}, IsFd: true}, 0)
	require.Nil(t, err)
	assert.Equal(t, 6, pdu.Length)
}

func TestCraftFirstFrame(t *testing.T) {
	payload := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}
	field := craftFirstFrame(payload, 10, nil, 8)
	assert.Equal(t, []byte{0x10, 0x0A, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05}, field)

	// 32 bits escape above 4095 bytes
	field = craftFirstFrame(make([]byte, 58), 70000, nil, 64)
	assert.Equal(t, []byte{0x10, 0x00, 0x00, 0x01, 0x11, 0x70}, field[:6])
	assert.Equal(t, 64, len(field))
}

func TestCraftConsecutiveFrame(t *testing.T) {
	field := craftConsecutiveFrame([]byte{0x06, 0x07, 0x08, 0x09}, 1, nil)
	assert.Equal(t, []byte{0x21, 0x06, 0x07, 0x08, 0x09}, field)
	field = craftConsecutiveFrame([]byte{0x0A}, 0, []byte{0x77})
	assert.Equal(t, []byte{0x77, 0x20, 0x0A}, field)
}

func TestCraftFlowControl(t *testing.T) {
	assert.Equal(t, []byte{0x30, 0x00, 0x00}, craftFlowControl(FlowStatusContinue, 0, 0, nil))
	assert.Equal(t, []byte{0x31, 0x08, 0x05}, craftFlowControl(FlowStatusWait, 8, 5, nil))
	assert.Equal(t, []byte{0x77, 0x32, 0x00, 0x00}, craftFlowControl(FlowStatusOverflow, 0, 0, []byte{0x77}))
}

func TestPadDataField(t *testing.T) {
	// Classical CAN pads to 8 when a padding byte is configured
	field := padDataField([]byte{0x03, 0x01, 0x02, 0x03}, false, 0xCC, Unset)
	assert.Equal(t, []byte{0x03, 0x01, 0x02, 0x03, 0xCC, 0xCC, 0xCC, 0xCC}, field)
	// No padding byte configured, the frame keeps its natural size
	field = padDataField([]byte{0x03, 0x01, 0x02, 0x03}, false, Unset, Unset)
	assert.Equal(t, 4, len(field))
	// Minimum length padding uses the default byte
	field = padDataField([]byte{0x03, 0x01, 0x02, 0x03}, false, Unset, 8)
	assert.Equal(t, []byte{0x03, 0x01, 0x02, 0x03, 0xCC, 0xCC, 0xCC, 0xCC}, field)
	// CAN-FD rounds up to the next valid size
	field = padDataField(make([]byte, 10), true, Unset, Unset)
	assert.Equal(t, 12, len(field))
	field = padDataField(make([]byte, 33), true, Unset, Unset)
	assert.Equal(t, 48, len(field))
}

// Round trip : craft then parse yields the same single frame payload
func TestSingleFrameRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 1, 62).Draw(t, "payload")
		txDataLength := 8
		isFd := len(payload) > 7
		if isFd {
			txDataLength = 64
		}
		field, err := craftSingleFrame(payload, nil, txDataLength, isFd)
		if err != nil {
			t.Fatalf("craft failed : %v", err)
		}
		field = padDataField(field, isFd, Unset, Unset)
		pdu, err := ParsePDU(&CanMessage{Data: field, IsFd: isFd}, 0)
		if err != nil {
			t.Fatalf("parse failed : %v", err)
		}
		if !bytes.Equal(payload, pdu.Data) {
			t.Fatalf("payload mismatch : sent %v got %v", payload, pdu.Data)
		}
	})
}

// Round trip : flow control parameters survive craft then parse
func TestFlowControlRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		flowStatus := FlowStatus(rapid.IntRange(0, 2).Draw(t, "flowStatus"))
		blockSize := rapid.Byte().Draw(t, "blockSize")
		stmin := rapid.Byte().Draw(t, "stmin")
		field := craftFlowControl(flowStatus, blockSize, stmin, nil)
		pdu, err := ParsePDU(&CanMessage{Data: field}, 0)
		if err != nil {
			t.Fatalf("parse failed : %v", err)
		}
		if pdu.FlowStatus != flowStatus || pdu.BlockSize != blockSize || pdu.STminRaw != stmin {
			t.Fatalf("mismatch : %+v", pdu)
		}
	})
}
