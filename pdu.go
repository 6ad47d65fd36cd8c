package isotp

import (
	"encoding/binary"
	"fmt"
	"time"
)

// The four ISO-TP PDU kinds, tagged by the top nibble of the first payload
// byte once the address prefix is stripped
type PDUType int

const (
	PDUSingleFrame      PDUType = 0
	PDUFirstFrame       PDUType = 1
	PDUConsecutiveFrame PDUType = 2
	PDUFlowControl      PDUType = 3
)

type FlowStatus uint8

const (
	FlowStatusContinue FlowStatus = 0
	FlowStatusWait     FlowStatus = 1
	FlowStatusOverflow FlowStatus = 2
)

// A decoded protocol data unit. Only the fields relevant to the type are set
type PDU struct {
	Type           PDUType
	Length         int    // declared payload length (SF, FF)
	Data           []byte // payload bytes carried by this frame (SF, FF, CF)
	SeqNum         uint8  // CF
	FlowStatus     FlowStatus
	BlockSize      uint8
	STminRaw       uint8
	RxDl           int // data field width of the carrying frame, 8 minimum
	EscapeSequence bool
}

// Decode the raw STmin byte into a duration. Values 0x00-0x7F are
// milliseconds, 0xF1-0xF9 are 100-900 microseconds, everything else is
// reserved and read as the maximum of 127ms
func STminToDuration(raw uint8) time.Duration {
	if raw <= 0x7F {
		return time.Duration(raw) * time.Millisecond
	}
	if raw >= 0xF1 && raw <= 0xF9 {
		return time.Duration(raw-0xF0) * 100 * time.Microsecond
	}
	return 127 * time.Millisecond
}

// Parse a CAN message into a PDU. startOfData is the number of address
// prefix bytes to skip
func ParsePDU(msg *CanMessage, startOfData int) (*PDU, error) {
	data := msg.Data
	if len(data) <= startOfData {
		return nil, fmt.Errorf("%w: message is too short to contain a PDU", ErrInvalidCanData)
	}
	pdu := &PDU{RxDl: len(data)}
	if pdu.RxDl < CAN_MAX_DLEN {
		pdu.RxDl = CAN_MAX_DLEN
	}

	switch PDUType(data[startOfData] >> 4) {
	case PDUSingleFrame:
		return parseSingleFrame(pdu, data, startOfData, msg.IsFd)
	case PDUFirstFrame:
		return parseFirstFrame(pdu, data, startOfData)
	case PDUConsecutiveFrame:
		pdu.Type = PDUConsecutiveFrame
		pdu.SeqNum = data[startOfData] & 0x0F
		pdu.Data = data[startOfData+1:]
		return pdu, nil
	case PDUFlowControl:
		return parseFlowControl(pdu, data, startOfData)
	}
	return nil, fmt.Errorf("%w: unknown PDU type 0x%X", ErrInvalidCanData, data[startOfData]>>4)
}

func parseSingleFrame(pdu *PDU, data []byte, startOfData int, isFd bool) (*PDU, error) {
	pdu.Type = PDUSingleFrame
	lengthPlaceholder := int(data[startOfData] & 0x0F)
	payloadStart := startOfData + 1
	if lengthPlaceholder == 0 {
		// CAN-FD escape form, full length in the next byte
		if len(data) < startOfData+2 {
			return nil, fmt.Errorf("%w: single frame with escape sequence is too short", ErrInvalidCanData)
		}
		pdu.EscapeSequence = true
		pdu.Length = int(data[startOfData+1])
		payloadStart = startOfData + 2
	} else {
		// On CAN-FD the nibble form stops at 6 bytes of payload (minus the
		// address prefix), anything longer must use the escape form
		if isFd && lengthPlaceholder > CAN_MAX_DLEN-2-startOfData {
			return nil, fmt.Errorf("%w: single frame of %v bytes on CAN-FD without the escape form",
				ErrMissingEscapeSequence, lengthPlaceholder)
		}
		pdu.Length = lengthPlaceholder
	}
	if pdu.Length == 0 {
		return nil, fmt.Errorf("%w: single frame with a length of 0", ErrInvalidCanData)
	}
	if payloadStart+pdu.Length > len(data) {
		return nil, fmt.Errorf("%w: single frame length of %v exceeds the %v data bytes available",
			ErrInvalidCanData, pdu.Length, len(data)-payloadStart)
	}
	pdu.Data = data[payloadStart : payloadStart+pdu.Length]
	return pdu, nil
}

func parseFirstFrame(pdu *PDU, data []byte, startOfData int) (*PDU, error) {
	pdu.Type = PDUFirstFrame
	if len(data) < startOfData+2 {
		return nil, fmt.Errorf("%w: first frame must be at least 2 bytes long", ErrInvalidCanData)
	}
	length := int(data[startOfData]&0x0F)<<8 | int(data[startOfData+1])
	payloadStart := startOfData + 2
	if length == 0 {
		// 32 bits escape form
		if len(data) < startOfData+6 {
			return nil, fmt.Errorf("%w: first frame with escape sequence must be at least 6 bytes long", ErrInvalidCanData)
		}
		if len(data) <= CAN_MAX_DLEN {
			return nil, fmt.Errorf("%w: first frame uses the 32 bits length escape on a classical CAN frame", ErrMissingEscapeSequence)
		}
		pdu.EscapeSequence = true
		length = int(binary.BigEndian.Uint32(data[startOfData+2 : startOfData+6]))
		payloadStart = startOfData + 6
	}
	if len(data) > CAN_MAX_DLEN && !isValidCanFdSize(len(data)) {
		return nil, fmt.Errorf("%w: first frame carried by a frame of %v bytes", ErrInvalidCanFdFirstFrameRXDL, len(data))
	}
	pdu.Length = length
	if payloadStart+length < len(data) {
		// Frame is wider than the declared payload, only keep the payload
		pdu.Data = data[payloadStart : payloadStart+length]
	} else {
		pdu.Data = data[payloadStart:]
	}
	return pdu, nil
}

func parseFlowControl(pdu *PDU, data []byte, startOfData int) (*PDU, error) {
	pdu.Type = PDUFlowControl
	if len(data) < startOfData+3 {
		return nil, fmt.Errorf("%w: flow control frame must be at least 3 bytes long", ErrUnexpectedFlowControl)
	}
	flowStatus := data[startOfData] & 0x0F
	if flowStatus > uint8(FlowStatusOverflow) {
		return nil, fmt.Errorf("%w: unknown flow status %v", ErrUnexpectedFlowControl, flowStatus)
	}
	pdu.FlowStatus = FlowStatus(flowStatus)
	pdu.BlockSize = data[startOfData+1]
	pdu.STminRaw = data[startOfData+2]
	return pdu, nil
}

// STmin advertised or received, as a duration
func (pdu *PDU) STmin() time.Duration {
	return STminToDuration(pdu.STminRaw)
}

func (pdu *PDU) IsFlowControl() bool {
	return pdu.Type == PDUFlowControl
}

// Assemble the data field of a single frame. The nibble form carries up to
// 7 bytes of payload on classical CAN and 6 on CAN-FD (minus the address
// prefix), everything beyond needs the escape form
func craftSingleFrame(payload []byte, prefix []byte, txDataLength int, isFd bool) ([]byte, error) {
	nibbleMax := CAN_MAX_DLEN - 1 - len(prefix)
	if isFd {
		nibbleMax = CAN_MAX_DLEN - 2 - len(prefix)
	}
	if len(payload) <= nibbleMax {
		field := make([]byte, 0, len(prefix)+1+len(payload))
		field = append(field, prefix...)
		field = append(field, byte(len(payload)))
		return append(field, payload...), nil
	}
	// CAN-FD escape form
	needed := len(prefix) + 2 + len(payload)
	if !isFd || needed > txDataLength || len(payload) > 0xFF {
		return nil, fmt.Errorf("%w: payload of %v bytes does not fit a single frame", ErrIllegalArgument, len(payload))
	}
	field := make([]byte, 0, needed)
	field = append(field, prefix...)
	field = append(field, 0x00, byte(len(payload)))
	return append(field, payload...), nil
}

// Assemble the data field of a first frame. The caller sizes payload to
// exactly fill the frame
func craftFirstFrame(payload []byte, length int, prefix []byte, txDataLength int) []byte {
	field := make([]byte, 0, txDataLength)
	field = append(field, prefix...)
	if length <= 0xFFF {
		field = append(field, 0x10|byte(length>>8), byte(length&0xFF))
	} else {
		field = append(field, 0x10, 0x00)
		field = binary.BigEndian.AppendUint32(field, uint32(length))
	}
	return append(field, payload...)
}

// Assemble the data field of a consecutive frame
func craftConsecutiveFrame(payload []byte, seqNum uint8, prefix []byte) []byte {
	field := make([]byte, 0, len(prefix)+1+len(payload))
	field = append(field, prefix...)
	field = append(field, 0x20|(seqNum&0x0F))
	return append(field, payload...)
}

// Assemble the data field of a flow control frame carrying our local
// blocksize and stmin
func craftFlowControl(flowStatus FlowStatus, blockSize uint8, stmin uint8, prefix []byte) []byte {
	field := make([]byte, 0, len(prefix)+3)
	field = append(field, prefix...)
	return append(field, 0x30|byte(flowStatus), blockSize, stmin)
}

const defaultPaddingByte byte = 0xCC

// Grow a data field to its final size. Classical CAN pads to 8 only when a
// padding byte is configured, CAN-FD rounds up to the nearest valid size.
// txDataMinLength forces a minimum when set (Unset otherwise)
func padDataField(field []byte, fd bool, txPadding int, txDataMinLength int) []byte {
	target := len(field)
	if txDataMinLength != Unset && target < txDataMinLength {
		target = txDataMinLength
	}
	if fd {
		target = nextCanFdSize(target)
	}
	padding := defaultPaddingByte
	if txPadding != Unset {
		padding = byte(txPadding)
		if !fd && target < CAN_MAX_DLEN {
			target = CAN_MAX_DLEN
		}
	}
	if target <= len(field) {
		return field
	}
	for len(field) < target {
		field = append(field, padding)
	}
	return field
}
