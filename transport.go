package isotp

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Link layer contract. RecvFunc blocks for up to timeout and returns a nil
// message when nothing arrived. SendFunc is a synchronous send, a returned
// error is surfaced through the error handler
type RecvFunc func(timeout time.Duration) (*CanMessage, error)
type SendFunc func(msg *CanMessage) error

const (
	rxStateIdle int32 = iota
	rxStateWaitCF
)

const (
	txStateIdle int32 = iota
	txStateWaitFC
	txStateTransmitCF
)

const txQueueSize = 64
const relayQueueSize = 256
const relayRxTimeout = 100 * time.Millisecond

// Read granularity when pulling payload bytes from a streamed send
const streamReadChunk = 1024

// Worker sleep table, see SetSleepTiming
type SleepTiming struct {
	Idle     time.Duration // both machines idle
	WaitFc   time.Duration // waiting for a flow control
	Transfer time.Duration // a transfer is running in either direction
}

func defaultSleepTiming() SleepTiming {
	return SleepTiming{
		Idle:     50 * time.Millisecond,
		WaitFc:   10 * time.Millisecond,
		Transfer: 1 * time.Millisecond,
	}
}

// Protocol timer over monotonic time
type timer struct {
	timeout time.Duration
	started time.Time
	running bool
}

func (t *timer) start(timeout time.Duration) {
	t.timeout = timeout
	t.started = time.Now()
	t.running = true
}

func (t *timer) stop() {
	t.running = false
}

func (t *timer) elapsed() bool {
	return t.running && time.Since(t.started) >= t.timeout
}

func (t *timer) remaining() time.Duration {
	if !t.running {
		return 0
	}
	remaining := t.timeout - time.Since(t.started)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Options for a single Send or SendStream call
type sendOptions struct {
	targetAddressType    TargetAddressType
	hasTargetAddressType bool
	timeout              time.Duration
}

type SendOption func(*sendOptions)

// Target this payload at a physical or functional address, overriding the
// configured default
func WithTargetAddressType(targetAddressType TargetAddressType) SendOption {
	return func(options *sendOptions) {
		options.targetAddressType = targetAddressType
		options.hasTargetAddressType = true
	}
}

// Maximum time a blocking send may take. 0 waits forever
func WithSendTimeout(timeout time.Duration) SendOption {
	return func(options *sendOptions) {
		options.timeout = timeout
	}
}

type sendRequest struct {
	data              []byte
	reader            io.Reader
	length            int
	targetAddressType TargetAddressType
	complete          chan error
}

func (request *sendRequest) finish(err error) {
	if request.complete == nil {
		return
	}
	select {
	case request.complete <- err:
	default:
	}
}

// Queue of reassembled payloads with condition variable semantics
type payloadQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items [][]byte
}

func newPayloadQueue() *payloadQueue {
	queue := &payloadQueue{}
	queue.cond = sync.NewCond(&queue.mu)
	return queue
}

func (queue *payloadQueue) Push(payload []byte) {
	queue.mu.Lock()
	queue.items = append(queue.items, payload)
	queue.mu.Unlock()
	queue.cond.Broadcast()
}

// Pop the oldest payload, nil when the queue is empty
func (queue *payloadQueue) Pop() []byte {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.items) == 0 {
		return nil
	}
	payload := queue.items[0]
	queue.items = queue.items[1:]
	return payload
}

// Pop the oldest payload, waiting up to timeout for one to arrive.
// A timeout of 0 waits forever, nil is returned on timeout
func (queue *payloadQueue) PopWait(timeout time.Duration) []byte {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if timeout <= 0 {
		for len(queue.items) == 0 {
			queue.cond.Wait()
		}
	} else {
		deadline := time.Now().Add(timeout)
		for len(queue.items) == 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
			wakeup := time.AfterFunc(remaining, queue.cond.Broadcast)
			queue.cond.Wait()
			wakeup.Stop()
		}
	}
	payload := queue.items[0]
	queue.items = queue.items[1:]
	return payload
}

func (queue *payloadQueue) Size() int {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return len(queue.items)
}

func (queue *payloadQueue) Clear() {
	queue.mu.Lock()
	queue.items = nil
	queue.mu.Unlock()
}

type workerCommand int

const (
	cmdStopSending workerCommand = iota
	cmdStopReceiving
)

// The ISO-TP transport layer. Two coupled state machines, one per
// direction, driven by a worker goroutine. User goroutines interact only
// through the queues and the thread safe methods
type Transport struct {
	address      Addressable
	rxfn         RecvFunc
	txfn         SendFunc
	errorHandler func(error)
	logger       *log.Entry

	mu      sync.Mutex
	params  Params
	started bool
	timings SleepTiming

	txQueue    chan *sendRequest
	txQueueLen atomic.Int32
	rxQueue    *payloadQueue
	relayQueue chan *CanMessage
	commands   chan workerCommand
	wakeup     chan struct{}
	stopChan   chan struct{}
	wg         sync.WaitGroup

	// Everything below is owned by the worker (or by Process in single
	// threaded mode), the atomics are readable from user goroutines
	active Params

	rxState        atomic.Int32
	rxBuffer       []byte
	rxFrameLength  int
	lastSeqNum     uint8
	rxBlockCounter int
	actualRxDl     int
	timerRxCf      timer

	txState         atomic.Int32
	currentRequest  *sendRequest
	txBuffer        []byte
	txStream        []byte // bytes pulled from txReader but not yet framed
	txReader        io.Reader
	readerDepleted  bool
	txRemaining     int
	txSeqNum        uint8
	txBlockCounter  int
	wftCounter      int
	remoteBlockSize uint8
	remoteSTmin     time.Duration
	timerRxFc       timer
	lastCfSent      time.Time
	hasSentCf       bool

	limiter *rateLimiter
}

// Create a new transport layer bound to an address and a pair of link layer
// callables. params may be nil in which case defaults are used. The error
// handler receives asynchronous protocol and timing errors from the worker
// goroutine, it may be nil
func NewTransport(addr Addressable, rxfn RecvFunc, txfn SendFunc, params *Params, errorHandler func(error)) (*Transport, error) {
	if addr == nil {
		return nil, fmt.Errorf("%w: an address is required", ErrIllegalArgument)
	}
	if txfn == nil {
		return nil, fmt.Errorf("%w: a txfn is required", ErrIllegalArgument)
	}
	if params == nil {
		params = DefaultParams()
	}
	err := params.Validate()
	if err != nil {
		return nil, err
	}
	transport := &Transport{
		address:      addr,
		rxfn:         rxfn,
		txfn:         txfn,
		errorHandler: errorHandler,
		logger:       log.WithField("name", params.LoggerName),
		params:       *params,
		timings:      defaultSleepTiming(),
		txQueue:      make(chan *sendRequest, txQueueSize),
		rxQueue:      newPayloadQueue(),
		relayQueue:   make(chan *CanMessage, relayQueueSize),
		commands:     make(chan workerCommand, 8),
		wakeup:       make(chan struct{}, 1),
		limiter:      newRateLimiter(params.RateLimitEnable, params.RateLimitMaxBitrate, params.RateLimitWindowSize),
	}
	transport.active = *params
	return transport, nil
}

// Start the worker and relay goroutines. Once started the transport
// processes traffic on its own and Process must not be called
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("%w: transport is already started", ErrIllegalArgument)
	}
	if t.rxfn == nil {
		return fmt.Errorf("%w: cannot start without a rxfn", ErrIllegalArgument)
	}
	t.stopChan = make(chan struct{})
	t.started = true
	t.wg.Add(2)
	go t.relayLoop()
	go t.workerLoop()
	t.logger.Info("[TRANSPORT] started")
	return nil
}

// Stop the worker and relay goroutines, abort any transfer in progress and
// drain the queues
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	close(t.stopChan)
	t.mu.Unlock()
	t.wg.Wait()
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
	t.resetTx(fmt.Errorf("%w: transport stopped", ErrBlockingSendFailure))
	t.drainTxQueue(fmt.Errorf("%w: transport stopped", ErrBlockingSendFailure))
	t.resetRx()
	t.rxQueue.Clear()
	t.logger.Info("[TRANSPORT] stopped")
}

// Change the address. Only allowed while the transport is not started
func (t *Transport) SetAddress(addr Addressable) error {
	if addr == nil {
		return fmt.Errorf("%w: an address is required", ErrIllegalArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("%w: cannot change address while started", ErrIllegalArgument)
	}
	t.address = addr
	return nil
}

// Override the worker sleep table
func (t *Transport) SetSleepTiming(timings SleepTiming) {
	t.mu.Lock()
	t.timings = timings
	t.mu.Unlock()
}

// Reset the transport to its initial state. Only allowed while the worker
// is not running
func (t *Transport) Reset() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot reset while started", ErrIllegalArgument)
	}
	t.mu.Unlock()
	t.resetTx(fmt.Errorf("%w: transport reset", ErrBlockingSendFailure))
	t.drainTxQueue(fmt.Errorf("%w: transport reset", ErrBlockingSendFailure))
	t.resetRx()
	t.rxQueue.Clear()
	t.limiter.reset()
	return nil
}

// Enqueue a payload for transmission. Returns immediately unless the
// blocking_send parameter is set, in which case it waits for the
// transmission to complete
func (t *Transport) Send(data []byte, opts ...SendOption) error {
	payload := make([]byte, len(data))
	copy(payload, data)
	return t.enqueueSend(&sendRequest{data: payload, length: len(payload)}, opts)
}

// Enqueue a streamed payload of the given total length. Bytes are pulled
// from the reader on demand as consecutive frames are emitted. A reader
// error aborts the transmission with ErrBadGenerator
func (t *Transport) SendStream(r io.Reader, length int, opts ...SendOption) error {
	if r == nil {
		return fmt.Errorf("%w: a reader is required", ErrIllegalArgument)
	}
	return t.enqueueSend(&sendRequest{reader: r, length: length}, opts)
}

func (t *Transport) enqueueSend(request *sendRequest, opts []SendOption) error {
	options := sendOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	t.mu.Lock()
	params := t.params
	t.mu.Unlock()

	if request.length <= 0 {
		return fmt.Errorf("%w: cannot send an empty payload", ErrIllegalArgument)
	}
	if int64(request.length) > 0xFFFFFFFF {
		return fmt.Errorf("%w: payload too long for ISO-TP (%v bytes)", ErrIllegalArgument, request.length)
	}
	if request.length > 0xFFF && params.TxDataLength <= CAN_MAX_DLEN {
		return fmt.Errorf("%w: payloads above 4095 bytes need the CAN-FD length escape, raise tx_data_length", ErrIllegalArgument)
	}
	request.targetAddressType = params.DefaultTargetAddressType
	if options.hasTargetAddressType {
		request.targetAddressType = options.targetAddressType
	}
	if _, err := t.address.TxArbitrationId(request.targetAddressType); err != nil {
		return err
	}
	if request.targetAddressType == Functional {
		maxPayload := maxSingleFramePayload(params.TxDataLength, len(t.address.TxPayloadPrefix()), params.CanFd)
		if request.length > maxPayload {
			return fmt.Errorf("%w: functional addressing only allows single frame payloads (max %v bytes here)",
				ErrIllegalArgument, maxPayload)
		}
	}
	blocking := params.BlockingSend
	if blocking {
		request.complete = make(chan error, 1)
	}
	select {
	case t.txQueue <- request:
		t.txQueueLen.Add(1)
	default:
		return fmt.Errorf("%w: transmit queue is full", ErrIllegalArgument)
	}
	// Wake the worker if it is sleeping on the relay queue
	select {
	case t.wakeup <- struct{}{}:
	default:
	}
	if !blocking {
		return nil
	}
	if options.timeout <= 0 {
		err := <-request.complete
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBlockingSendFailure, err)
		}
		return nil
	}
	select {
	case err := <-request.complete:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBlockingSendFailure, err)
		}
		return nil
	case <-time.After(options.timeout):
		return ErrBlockingSendTimeout
	}
}

// Get a reassembled payload. In non blocking mode nil is returned when the
// queue is empty. In blocking mode waits up to timeout (0 waits forever)
// and returns nil on timeout
func (t *Transport) Recv(block bool, timeout time.Duration) []byte {
	if !block {
		return t.rxQueue.Pop()
	}
	return t.rxQueue.PopWait(timeout)
}

// Whether a reassembled payload is waiting in the receive queue
func (t *Transport) Available() bool {
	return t.rxQueue.Size() > 0
}

// Whether a transmission is in progress or pending
func (t *Transport) Transmitting() bool {
	return t.txState.Load() != txStateIdle || t.txQueueLen.Load() > 0
}

// Abort any transmission in progress and discard pending send requests
func (t *Transport) StopSending() {
	t.pushCommand(cmdStopSending)
}

// Discard any partial reception in progress
func (t *Transport) StopReceiving() {
	t.pushCommand(cmdStopReceiving)
}

func (t *Transport) pushCommand(command workerCommand) {
	select {
	case t.commands <- command:
	default:
	}
	select {
	case t.wakeup <- struct{}{}:
	default:
	}
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		// Single threaded mode, apply immediately
		t.drainCommands()
	}
}

// Run one processing iteration. Only for the single threaded compatibility
// mode, must not be called once Start has been called. rxfn is polled
// directly with a zero timeout and is assumed not to block
func (t *Transport) Process() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("%w: Process cannot be used while the worker is running", ErrIllegalArgument)
	}
	t.active = t.params
	t.mu.Unlock()
	t.drainCommands()
	t.checkTimeoutsRx()
	if t.rxfn != nil {
		for {
			msg, err := t.rxfn(0)
			if err != nil {
				t.dispatchError(fmt.Errorf("rxfn failed: %v", err))
				break
			}
			if msg == nil {
				break
			}
			t.processRxMessage(msg)
		}
	}
	t.processTx()
	return nil
}

// Relay goroutine. Sits between the possibly blocking rxfn and the worker
// so that the worker never blocks inside user code
func (t *Transport) relayLoop() {
	defer t.wg.Done()
	t.logger.Debug("[RELAY] running")
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}
		msg, err := t.rxfn(relayRxTimeout)
		if err != nil {
			t.dispatchError(fmt.Errorf("rxfn failed: %v", err))
			time.Sleep(relayRxTimeout)
			continue
		}
		if msg == nil {
			continue
		}
		select {
		case t.relayQueue <- msg:
		case <-t.stopChan:
			return
		}
	}
}

// Worker goroutine. Drives both state machines and sleeps adaptively
// between iterations
func (t *Transport) workerLoop() {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		t.active = t.params
		timings := t.timings
		t.mu.Unlock()

		t.drainCommands()
		t.checkTimeoutsRx()
	drain:
		for {
			select {
			case msg := <-t.relayQueue:
				t.processRxMessage(msg)
			default:
				break drain
			}
		}
		t.processTx()

		select {
		case <-t.stopChan:
			return
		case msg := <-t.relayQueue:
			t.processRxMessage(msg)
		case <-t.wakeup:
		case <-time.After(t.sleepTime(timings)):
		}
	}
}

// Earliest deadline the worker cares about : pending timers, STmin or the
// idle poll period
func (t *Transport) sleepTime(timings SleepTiming) time.Duration {
	rxState := t.rxState.Load()
	txState := t.txState.Load()
	sleep := timings.Transfer
	switch {
	case rxState == rxStateIdle && txState == txStateIdle:
		sleep = timings.Idle
	case rxState == rxStateIdle && txState == txStateWaitFC:
		sleep = timings.WaitFc
	case txState == txStateTransmitCF:
		if wait := t.stminRemaining(); wait > sleep {
			sleep = wait
		}
	}
	for _, pending := range []*timer{&t.timerRxCf, &t.timerRxFc} {
		if pending.running && pending.remaining() < sleep {
			sleep = pending.remaining()
		}
	}
	return sleep
}

func (t *Transport) drainCommands() {
	for {
		select {
		case command := <-t.commands:
			switch command {
			case cmdStopSending:
				t.logger.Debug("[TRANSPORT][TX] stop sending requested")
				t.resetTx(fmt.Errorf("%w: transmission cancelled", ErrBlockingSendFailure))
				t.drainTxQueue(fmt.Errorf("%w: transmission cancelled", ErrBlockingSendFailure))
			case cmdStopReceiving:
				t.logger.Debug("[TRANSPORT][RX] stop receiving requested")
				t.resetRx()
			}
		default:
			return
		}
	}
}

func (t *Transport) drainTxQueue(cause error) {
	for {
		select {
		case request := <-t.txQueue:
			t.txQueueLen.Add(-1)
			request.finish(cause)
		default:
			return
		}
	}
}

func (t *Transport) checkTimeoutsRx() {
	if t.rxState.Load() == rxStateWaitCF && t.timerRxCf.elapsed() {
		t.dispatchError(fmt.Errorf("%w: no consecutive frame within %v",
			ErrConsecutiveFrameTimeout, t.active.RxConsecutiveFrameTimeout))
		t.resetRx()
	}
}

// Classify, decode and route one incoming frame
func (t *Transport) processRxMessage(msg *CanMessage) {
	if !t.address.IsForMe(msg) {
		return
	}
	pdu, err := ParsePDU(msg, t.address.RxPrefixSize())
	if err != nil {
		t.dispatchError(err)
		return
	}
	t.logger.Debugf("[TRANSPORT][RX] frame id=x%X type=%v dlen=%v", msg.ArbitrationId, pdu.Type, len(msg.Data))
	if pdu.IsFlowControl() {
		t.handleFlowControl(pdu)
		return
	}
	t.processRxPdu(pdu)
}

func (t *Transport) processRxPdu(pdu *PDU) {
	switch t.rxState.Load() {
	case rxStateIdle:
		switch pdu.Type {
		case PDUSingleFrame:
			t.deliver(pdu.Data)
		case PDUFirstFrame:
			t.startReception(pdu)
		case PDUConsecutiveFrame:
			t.dispatchError(fmt.Errorf("%w: received while no reception was in progress", ErrUnexpectedConsecutiveFrame))
		}
	case rxStateWaitCF:
		switch pdu.Type {
		case PDUSingleFrame:
			t.dispatchError(fmt.Errorf("%w: discarding %v bytes of partial payload",
				ErrReceptionInterruptedWithSingleFrame, len(t.rxBuffer)))
			t.resetRx()
			t.deliver(pdu.Data)
		case PDUFirstFrame:
			t.dispatchError(fmt.Errorf("%w: discarding %v bytes of partial payload",
				ErrReceptionInterruptedWithFirstFrame, len(t.rxBuffer)))
			t.resetRx()
			t.startReception(pdu)
		case PDUConsecutiveFrame:
			t.processConsecutiveFrame(pdu)
		}
	}
}

func (t *Transport) startReception(pdu *PDU) {
	if pdu.Length > t.active.MaxFrameSize {
		t.sendFlowControl(FlowStatusOverflow)
		t.dispatchError(fmt.Errorf("%w: declared length of %v exceeds max frame size of %v",
			ErrFrameTooLong, pdu.Length, t.active.MaxFrameSize))
		return
	}
	t.rxFrameLength = pdu.Length
	t.actualRxDl = pdu.RxDl
	t.rxBuffer = make([]byte, 0, pdu.Length)
	t.rxBuffer = append(t.rxBuffer, pdu.Data...)
	t.lastSeqNum = 0
	t.rxBlockCounter = 0
	if len(t.rxBuffer) >= t.rxFrameLength {
		// Degenerate first frame already carrying the whole payload
		t.deliver(t.rxBuffer[:t.rxFrameLength])
		t.resetRx()
		return
	}
	t.sendFlowControl(FlowStatusContinue)
	t.rxState.Store(rxStateWaitCF)
	t.timerRxCf.start(t.active.RxConsecutiveFrameTimeout)
}

func (t *Transport) processConsecutiveFrame(pdu *PDU) {
	// The frame width locked by the first frame must not change. The last
	// consecutive frame is the exception, it may be narrower
	completes := len(t.rxBuffer)+len(pdu.Data) >= t.rxFrameLength
	if pdu.RxDl != t.actualRxDl && !completes {
		t.dispatchError(fmt.Errorf("%w: reception started with %v bytes frames, got %v",
			ErrChangingInvalidRXDL, t.actualRxDl, pdu.RxDl))
		t.resetRx()
		return
	}
	expected := (t.lastSeqNum + 1) & 0x0F
	if pdu.SeqNum != expected {
		t.dispatchError(fmt.Errorf("%w: expected %v, got %v", ErrWrongSequenceNumber, expected, pdu.SeqNum))
		t.resetRx()
		return
	}
	t.lastSeqNum = pdu.SeqNum
	t.timerRxCf.start(t.active.RxConsecutiveFrameTimeout)
	remaining := t.rxFrameLength - len(t.rxBuffer)
	if remaining > len(pdu.Data) {
		remaining = len(pdu.Data)
	}
	t.rxBuffer = append(t.rxBuffer, pdu.Data[:remaining]...)
	if len(t.rxBuffer) >= t.rxFrameLength {
		t.deliver(t.rxBuffer)
		t.resetRx()
		return
	}
	t.rxBlockCounter++
	if t.active.BlockSize > 0 && t.rxBlockCounter >= t.active.BlockSize {
		t.rxBlockCounter = 0
		t.sendFlowControl(FlowStatusContinue)
	}
}

func (t *Transport) deliver(payload []byte) {
	delivered := make([]byte, len(payload))
	copy(delivered, payload)
	t.rxQueue.Push(delivered)
	t.logger.Debugf("[TRANSPORT][RX] delivered payload of %v bytes", len(delivered))
}

func (t *Transport) resetRx() {
	t.rxState.Store(rxStateIdle)
	t.rxBuffer = nil
	t.rxFrameLength = 0
	t.lastSeqNum = 0
	t.rxBlockCounter = 0
	t.actualRxDl = 0
	t.timerRxCf.stop()
}

// Emit a flow control frame carrying our local block size and stmin.
// Suppressed in listen mode
func (t *Transport) sendFlowControl(flowStatus FlowStatus) {
	if t.active.ListenMode {
		return
	}
	field := craftFlowControl(flowStatus, uint8(t.active.BlockSize), uint8(t.active.STmin), t.address.TxPayloadPrefix())
	t.emitFrame(field, Physical)
}

// Tx state machine, one tick
func (t *Transport) processTx() {
	switch t.txState.Load() {
	case txStateIdle:
		select {
		case request := <-t.txQueue:
			t.txQueueLen.Add(-1)
			t.startTransmission(request)
		default:
		}
	case txStateWaitFC:
		if t.timerRxFc.elapsed() {
			err := fmt.Errorf("%w: no flow control within %v", ErrFlowControlTimeout, t.active.RxFlowControlTimeout)
			t.dispatchError(err)
			t.abortTransmission(err)
		}
	case txStateTransmitCF:
		t.transmitConsecutive()
	}
}

func maxSingleFramePayload(txDataLength int, prefixSize int, isFd bool) int {
	if !isFd {
		return CAN_MAX_DLEN - 1 - prefixSize
	}
	// CAN-FD caps the nibble form at 6 bytes, beyond that the escape form
	// spends one more header byte
	return txDataLength - 2 - prefixSize
}

func (t *Transport) startTransmission(request *sendRequest) {
	t.currentRequest = request
	t.txRemaining = request.length
	t.txBuffer = request.data
	t.txReader = request.reader
	t.txStream = nil
	t.readerDepleted = false

	prefix := t.address.TxPayloadPrefix()
	maxPayload := maxSingleFramePayload(t.active.TxDataLength, len(prefix), t.active.CanFd)
	if request.length <= maxPayload {
		payload, err := t.txPop(request.length)
		if err != nil {
			t.dispatchError(err)
			t.abortTransmission(err)
			return
		}
		field, err := craftSingleFrame(payload, prefix, t.active.TxDataLength, t.active.CanFd)
		if err != nil {
			t.dispatchError(err)
			t.abortTransmission(err)
			return
		}
		if err := t.emitFrame(field, request.targetAddressType); err != nil {
			t.abortTransmission(err)
			return
		}
		t.logger.Debugf("[TRANSPORT][TX] sent single frame of %v bytes", request.length)
		request.finish(nil)
		t.resetTxKeepQueue()
		return
	}
	if request.targetAddressType == Functional {
		err := fmt.Errorf("%w: functional addressing only allows single frame payloads", ErrIllegalArgument)
		t.dispatchError(err)
		t.abortTransmission(err)
		return
	}
	headerSize := 2
	if request.length > 0xFFF {
		headerSize = 6
	}
	chunk, err := t.txPop(t.active.TxDataLength - len(prefix) - headerSize)
	if err != nil {
		t.dispatchError(err)
		t.abortTransmission(err)
		return
	}
	field := craftFirstFrame(chunk, request.length, prefix, t.active.TxDataLength)
	if err := t.emitFrame(field, request.targetAddressType); err != nil {
		t.abortTransmission(err)
		return
	}
	t.txRemaining = request.length - len(chunk)
	t.txSeqNum = 1
	t.txBlockCounter = 0
	t.wftCounter = 0
	t.hasSentCf = false
	t.txState.Store(txStateWaitFC)
	t.timerRxFc.start(t.active.RxFlowControlTimeout)
	t.logger.Debugf("[TRANSPORT][TX] sent first frame, %v bytes remaining", t.txRemaining)
}

// Handle a received flow control frame, routed here from the rx path
func (t *Transport) handleFlowControl(pdu *PDU) {
	switch t.txState.Load() {
	case txStateIdle:
		t.dispatchError(fmt.Errorf("%w: received while no transmission was in progress", ErrUnexpectedFlowControl))
	case txStateWaitFC, txStateTransmitCF:
		switch pdu.FlowStatus {
		case FlowStatusContinue:
			t.remoteBlockSize = pdu.BlockSize
			if t.active.OverrideReceiverSTmin != Unset {
				t.remoteSTmin = time.Duration(t.active.OverrideReceiverSTmin) * time.Millisecond
			} else {
				t.remoteSTmin = pdu.STmin()
			}
			t.txBlockCounter = 0
			t.wftCounter = 0
			t.timerRxFc.stop()
			t.txState.Store(txStateTransmitCF)
			t.logger.Debugf("[TRANSPORT][TX] flow control continue, bs=%v stmin=%v", pdu.BlockSize, t.remoteSTmin)
		case FlowStatusWait:
			if t.active.WftMax == 0 {
				t.dispatchError(fmt.Errorf("%w: peer requested to wait", ErrUnsupportedWaitFrame))
				return
			}
			t.wftCounter++
			if t.wftCounter > t.active.WftMax {
				err := fmt.Errorf("%w: received %v wait frames", ErrMaximumWaitFrameReached, t.wftCounter)
				t.dispatchError(err)
				t.abortTransmission(err)
				return
			}
			t.txState.Store(txStateWaitFC)
			t.timerRxFc.start(t.active.RxFlowControlTimeout)
		case FlowStatusOverflow:
			err := fmt.Errorf("%w: peer has no room for the declared payload", ErrOverflow)
			t.dispatchError(err)
			t.abortTransmission(err)
		}
	}
}

func (t *Transport) stminRemaining() time.Duration {
	if !t.hasSentCf || t.remoteSTmin == 0 {
		return 0
	}
	remaining := t.remoteSTmin - time.Since(t.lastCfSent)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Emit consecutive frames while STmin allows. With a STmin of 0 a whole
// block is sent back to back within one tick
func (t *Transport) transmitConsecutive() {
	prefix := t.address.TxPayloadPrefix()
	capacity := t.active.TxDataLength - len(prefix) - 1
	for t.txState.Load() == txStateTransmitCF {
		if t.stminRemaining() > 0 {
			return
		}
		size := capacity
		if size > t.txRemaining {
			size = t.txRemaining
		}
		chunk, err := t.txPop(size)
		if err != nil {
			t.dispatchError(err)
			t.abortTransmission(err)
			return
		}
		field := craftConsecutiveFrame(chunk, t.txSeqNum, prefix)
		if err := t.emitFrame(field, t.currentRequest.targetAddressType); err != nil {
			t.abortTransmission(err)
			return
		}
		t.lastCfSent = time.Now()
		t.hasSentCf = true
		t.txRemaining -= len(chunk)
		t.txSeqNum = (t.txSeqNum + 1) & 0x0F
		t.txBlockCounter++
		if t.txRemaining <= 0 {
			t.logger.Debug("[TRANSPORT][TX] transmission complete")
			t.currentRequest.finish(nil)
			t.resetTxKeepQueue()
			return
		}
		if t.remoteBlockSize != 0 && t.txBlockCounter >= int(t.remoteBlockSize) {
			t.txState.Store(txStateWaitFC)
			t.timerRxFc.start(t.active.RxFlowControlTimeout)
			return
		}
	}
}

// Pull up to size payload bytes from the current send source
func (t *Transport) txPop(size int) ([]byte, error) {
	if t.txReader == nil {
		if size > len(t.txBuffer) {
			size = len(t.txBuffer)
		}
		chunk := t.txBuffer[:size]
		t.txBuffer = t.txBuffer[size:]
		return chunk, nil
	}
	// Streamed send. The reader hands out bytes in whatever chunk sizes it
	// likes, keep pulling until the next frame can be cut
	for len(t.txStream) < size && !t.readerDepleted {
		buffer := make([]byte, streamReadChunk)
		n, err := t.txReader.Read(buffer)
		if n > 0 {
			t.txStream = append(t.txStream, buffer[:n]...)
		}
		if err == io.EOF {
			t.readerDepleted = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadGenerator, err)
		}
	}
	if len(t.txStream) < size {
		return nil, fmt.Errorf("%w: stream ended %v bytes short of the declared length",
			ErrBadGenerator, size-len(t.txStream))
	}
	chunk := t.txStream[:size]
	t.txStream = t.txStream[size:]
	return chunk, nil
}

func (t *Transport) abortTransmission(cause error) {
	t.resetTx(cause)
}

func (t *Transport) resetTx(cause error) {
	if t.currentRequest != nil {
		t.currentRequest.finish(cause)
	}
	t.resetTxKeepQueue()
}

func (t *Transport) resetTxKeepQueue() {
	t.currentRequest = nil
	t.txBuffer = nil
	t.txStream = nil
	t.txReader = nil
	t.readerDepleted = false
	t.txRemaining = 0
	t.txSeqNum = 0
	t.txBlockCounter = 0
	t.wftCounter = 0
	t.remoteBlockSize = 0
	t.remoteSTmin = 0
	t.hasSentCf = false
	t.timerRxFc.stop()
	t.txState.Store(txStateIdle)
}

// Build and send one CAN message from an assembled data field, honoring the
// rate limiter. The data field is padded to its final size here
func (t *Transport) emitFrame(field []byte, targetAddressType TargetAddressType) error {
	arbitrationId, err := t.address.TxArbitrationId(targetAddressType)
	if err != nil {
		t.dispatchError(err)
		return err
	}
	field = padDataField(field, t.active.CanFd, t.active.TxPadding, t.active.TxDataMinLength)
	if wait := t.limiter.sleepTime(time.Now(), len(field)); wait > 0 {
		time.Sleep(wait)
	}
	msg := NewCanMessage(arbitrationId, field, t.address.IsTxExtendedId(), t.active.CanFd, t.active.BitrateSwitch)
	err = t.txfn(msg)
	if err != nil {
		wrapped := fmt.Errorf("txfn failed: %v", err)
		t.dispatchError(wrapped)
		return wrapped
	}
	t.limiter.inform(time.Now(), len(field))
	return nil
}

// Log the error and hand it to the user supplied handler. Handler panics
// must not kill the worker
func (t *Transport) dispatchError(err error) {
	t.logger.Warnf("[TRANSPORT] %v", err)
	if t.errorHandler == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logger.Errorf("[TRANSPORT] error handler panicked: %v", recovered)
		}
	}()
	t.errorHandler(err)
}
