package isotp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Virtual CAN bus over TCP used for testing and examples without hardware.
// Wire format per frame : 4 bytes big endian body length, then
// arbitration id (4 bytes big endian), flags (1 byte) and the data field

const (
	virtualFlagExtended byte = 1 << 0
	virtualFlagFd       byte = 1 << 1
	virtualFlagBrs      byte = 1 << 2
)

func serializeFrame(msg *CanMessage) []byte {
	body := make([]byte, 0, 5+len(msg.Data))
	body = binary.BigEndian.AppendUint32(body, msg.ArbitrationId)
	var flags byte
	if msg.IsExtendedId {
		flags |= virtualFlagExtended
	}
	if msg.IsFd {
		flags |= virtualFlagFd
	}
	if msg.BitrateSwitch {
		flags |= virtualFlagBrs
	}
	body = append(body, flags)
	body = append(body, msg.Data...)
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	return append(header, body...)
}

func deserializeFrame(body []byte) (*CanMessage, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("invalid virtual frame of %v bytes", len(body))
	}
	flags := body[4]
	data := append([]byte{}, body[5:]...)
	msg := NewCanMessage(binary.BigEndian.Uint32(body[0:4]), data,
		flags&virtualFlagExtended != 0, flags&virtualFlagFd != 0, flags&virtualFlagBrs != 0)
	return msg, nil
}

type VirtualCanBus struct {
	channel string
	conn    net.Conn
	mu      sync.Mutex
}

func NewVirtualCanBus(channel string) *VirtualCanBus {
	return &VirtualCanBus{channel: channel}
}

// "Connect" to server e.g. localhost:18000
func (client *VirtualCanBus) Connect() error {
	conn, err := net.Dial("tcp", client.channel)
	if err != nil {
		return err
	}
	client.conn = conn
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		err := tcpConn.SetNoDelay(true)
		if err != nil {
			return err
		}
	}
	return nil
}

// Rxfn implements the transport's receive callable
func (client *VirtualCanBus) Rxfn(timeout time.Duration) (*CanMessage, error) {
	if client.conn == nil {
		return nil, errors.New("no active connection")
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	client.conn.SetReadDeadline(time.Now().Add(timeout))
	headerBytes := make([]byte, 4)
	_, err := readFull(client.conn, headerBytes)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(headerBytes)
	if length > 5+CANFD_MAX_DLEN {
		return nil, fmt.Errorf("invalid virtual frame length %v", length)
	}
	body := make([]byte, length)
	client.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = readFull(client.conn, body)
	if err != nil {
		return nil, err
	}
	return deserializeFrame(body)
}

// Txfn implements the transport's send callable
func (client *VirtualCanBus) Txfn(msg *CanMessage) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.conn == nil {
		return errors.New("no active connection")
	}
	_, err := client.conn.Write(serializeFrame(msg))
	return err
}

func (client *VirtualCanBus) Close() error {
	if client.conn != nil {
		return client.conn.Close()
	}
	return nil
}

func readFull(conn net.Conn, buffer []byte) (int, error) {
	total := 0
	for total < len(buffer) {
		n, err := conn.Read(buffer[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// A minimal in process broker for the virtual bus : every frame received
// from a client is forwarded to all the other clients
type VirtualCanServer struct {
	listener net.Listener
	mu       sync.Mutex
	clients  []net.Conn
	wg       sync.WaitGroup
	stopped  bool
}

func NewVirtualCanServer() *VirtualCanServer {
	return &VirtualCanServer{}
}

// Start listening, addr of the form localhost:18000. Use Addr to discover
// the bound address when a port of 0 was requested
func (server *VirtualCanServer) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server.listener = listener
	server.wg.Add(1)
	go server.acceptLoop()
	return nil
}

func (server *VirtualCanServer) Addr() string {
	if server.listener == nil {
		return ""
	}
	return server.listener.Addr().String()
}

func (server *VirtualCanServer) acceptLoop() {
	defer server.wg.Done()
	for {
		conn, err := server.listener.Accept()
		if err != nil {
			return
		}
		server.mu.Lock()
		server.clients = append(server.clients, conn)
		server.mu.Unlock()
		server.wg.Add(1)
		go server.serve(conn)
	}
}

func (server *VirtualCanServer) serve(conn net.Conn) {
	defer server.wg.Done()
	for {
		headerBytes := make([]byte, 4)
		_, err := readFull(conn, headerBytes)
		if err != nil {
			server.drop(conn)
			return
		}
		length := binary.BigEndian.Uint32(headerBytes)
		if length > 5+CANFD_MAX_DLEN {
			log.Warnf("[VIRTUAL SERVER] dropping client, invalid frame length %v", length)
			server.drop(conn)
			return
		}
		body := make([]byte, length)
		_, err = readFull(conn, body)
		if err != nil {
			server.drop(conn)
			return
		}
		server.broadcast(conn, append(headerBytes, body...))
	}
}

func (server *VirtualCanServer) broadcast(from net.Conn, frame []byte) {
	server.mu.Lock()
	defer server.mu.Unlock()
	for _, client := range server.clients {
		if client == from {
			continue
		}
		client.Write(frame)
	}
}

func (server *VirtualCanServer) drop(conn net.Conn) {
	conn.Close()
	server.mu.Lock()
	defer server.mu.Unlock()
	for i, client := range server.clients {
		if client == conn {
			server.clients = append(server.clients[:i], server.clients[i+1:]...)
			break
		}
	}
}

func (server *VirtualCanServer) Stop() {
	server.mu.Lock()
	if server.stopped {
		server.mu.Unlock()
		return
	}
	server.stopped = true
	clients := server.clients
	server.clients = nil
	server.mu.Unlock()
	if server.listener != nil {
		server.listener.Close()
	}
	for _, client := range clients {
		client.Close()
	}
	server.wg.Wait()
}
