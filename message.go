// This package is a pure golang implementation of the ISO-15765-2 (ISO-TP)
// transport protocol over CAN and CAN-FD
package isotp

import "fmt"

const CAN_SFF_MASK uint32 = 0x000007FF
const CAN_EFF_MASK uint32 = 0x1FFFFFFF

// Maximum data field size of a classical CAN frame and a CAN-FD frame
const CAN_MAX_DLEN = 8
const CANFD_MAX_DLEN = 64

// A CAN or CAN-FD message as exchanged with the link layer
type CanMessage struct {
	ArbitrationId uint32
	DLC           uint8
	Data          []byte
	IsExtendedId  bool
	IsFd          bool
	BitrateSwitch bool
}

func NewCanMessage(arbitrationId uint32, data []byte, extended bool, fd bool, brs bool) *CanMessage {
	dlc, _ := DlcFromLength(len(data))
	return &CanMessage{
		ArbitrationId: arbitrationId,
		DLC:           dlc,
		Data:          data,
		IsExtendedId:  extended,
		IsFd:          fd,
		BitrateSwitch: brs,
	}
}

// DLC to number of data bytes, CAN-FD table above 8
var dlcToLength = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// Valid CAN-FD data field sizes from the classical maximum of 8 bytes up
var canFdLengths = []int{8, 12, 16, 20, 24, 32, 48, 64}

func LengthFromDlc(dlc uint8) (int, error) {
	if dlc > 15 {
		return 0, fmt.Errorf("%w: DLC must be between 0 and 15, got %v", ErrInvalidCanData, dlc)
	}
	return dlcToLength[dlc], nil
}

func DlcFromLength(length int) (uint8, error) {
	for dlc, dataLength := range dlcToLength {
		if dataLength == length {
			return uint8(dlc), nil
		}
	}
	return 0, fmt.Errorf("%w: no DLC encodes a data field of %v bytes", ErrInvalidCanData, length)
}

// Round a needed byte count up to the nearest valid CAN-FD data field size
func nextCanFdSize(length int) int {
	for _, size := range canFdLengths {
		if length <= size {
			return size
		}
	}
	return CANFD_MAX_DLEN
}

func isValidCanFdSize(length int) bool {
	if length < 0 || length > CANFD_MAX_DLEN {
		return false
	}
	if length <= CAN_MAX_DLEN {
		return true
	}
	for _, size := range canFdLengths {
		if length == size {
			return true
		}
	}
	return false
}
