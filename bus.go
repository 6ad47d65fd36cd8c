package isotp

import (
	"fmt"
	"time"

	"github.com/brutella/can"
	log "github.com/sirupsen/logrus"
)

const CAN_EFF_FLAG uint32 = 0x80000000
const CAN_RTR_FLAG uint32 = 0x40000000

const rxChannelSize = 256

// SocketCanConnection bridges a SocketCAN interface to the transport's
// callable pair. Classical CAN only, the underlying driver has no CAN-FD
// support
type SocketCanConnection struct {
	bus    *can.Bus
	rxChan chan *CanMessage
	closed chan struct{}
}

func NewSocketCanConnection(interfaceName string) (*SocketCanConnection, error) {
	bus, err := can.NewBusForInterfaceWithName(interfaceName)
	if err != nil {
		return nil, err
	}
	connection := &SocketCanConnection{
		bus:    bus,
		rxChan: make(chan *CanMessage, rxChannelSize),
		closed: make(chan struct{}),
	}
	bus.SubscribeFunc(connection.handleFrame)
	go func() {
		err := bus.ConnectAndPublish()
		if err != nil {
			log.Errorf("[SOCKETCAN] reception routine has closed because : %v", err)
		}
	}()
	return connection, nil
}

func (connection *SocketCanConnection) handleFrame(frame can.Frame) {
	msg := &CanMessage{
		ArbitrationId: frame.ID & CAN_EFF_MASK,
		DLC:           frame.Length,
		Data:          append([]byte{}, frame.Data[:frame.Length]...),
		IsExtendedId:  frame.ID&CAN_EFF_FLAG != 0,
	}
	select {
	case connection.rxChan <- msg:
	default:
		log.Warn("[SOCKETCAN] dropping frame, receive channel is full")
	}
}

// Rxfn implements the transport's receive callable
func (connection *SocketCanConnection) Rxfn(timeout time.Duration) (*CanMessage, error) {
	if timeout <= 0 {
		select {
		case msg := <-connection.rxChan:
			return msg, nil
		default:
			return nil, nil
		}
	}
	select {
	case msg := <-connection.rxChan:
		return msg, nil
	case <-connection.closed:
		return nil, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

// Txfn implements the transport's send callable
func (connection *SocketCanConnection) Txfn(msg *CanMessage) error {
	if msg.IsFd || len(msg.Data) > CAN_MAX_DLEN {
		return fmt.Errorf("%w: socketcan driver only supports classical CAN frames", ErrIllegalArgument)
	}
	frame := can.Frame{
		ID:     msg.ArbitrationId,
		Length: uint8(len(msg.Data)),
	}
	if msg.IsExtendedId {
		frame.ID |= CAN_EFF_FLAG
	}
	copy(frame.Data[:], msg.Data)
	return connection.bus.Publish(frame)
}

func (connection *SocketCanConnection) Close() error {
	close(connection.closed)
	return connection.bus.Disconnect()
}
