// Package zboss drives a ZBOSS network co-processor (nRF52840 NCP
// firmware) over a serial port and exposes it as a hal.Radio and
// hal.Network.
package zboss

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"zcl-gateway/internal/hal"
)

const (
	ackTimeout  = 500 * time.Millisecond
	maxRetries  = 3
	respTimeout = 5 * time.Second
)

// Backend is a ZBOSS NCP connection.
type Backend struct {
	open   func() (io.ReadWriteCloser, error)
	logger *slog.Logger

	port   io.ReadWriteCloser
	reader *bufio.Reader

	tsn       atomic.Uint32
	pendingMu sync.Mutex
	pending   map[uint8]chan *frame

	seqMu   sync.Mutex
	pktSeq  uint8
	ackCh   chan uint8
	writeMu sync.Mutex

	local atomic.Uint64

	addrMu      sync.RWMutex
	shortByIEEE map[hal.EUI64]uint16
	ieeeByShort map[uint16]hal.EUI64
	unresolved  map[uint16]*pendingSource

	handlerMu  sync.RWMutex
	onFrame    func(hal.IncomingFrame)
	onAnnounce func(hal.DeviceAnnounceEvent)
	onLeft     func(hal.DeviceLeftEvent)

	resetInd chan struct{}

	lifecycleMu sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	wg          sync.WaitGroup
}

var (
	_ hal.Radio   = (*Backend)(nil)
	_ hal.Network = (*Backend)(nil)
)

// Open opens the serial port and starts the receive loop.
func Open(portName string, baudRate int, logger *slog.Logger) (*Backend, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	open := func() (io.ReadWriteCloser, error) {
		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, fmt.Errorf("zboss: open %s: %w", portName, err)
		}
		// USB CDC ACM: the NCP firmware waits for DTR/RTS.
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)
		return port, nil
	}
	return newBackend(open, logger)
}

func newBackend(open func() (io.ReadWriteCloser, error), logger *slog.Logger) (*Backend, error) {
	port, err := open()
	if err != nil {
		return nil, err
	}
	b := &Backend{
		open:        open,
		logger:      logger.With("component", "zboss"),
		port:        port,
		reader:      bufio.NewReader(port),
		pending:     make(map[uint8]chan *frame),
		ackCh:       make(chan uint8, 4),
		shortByIEEE: make(map[hal.EUI64]uint16),
		ieeeByShort: make(map[uint16]hal.EUI64),
		unresolved:  make(map[uint16]*pendingSource),
		resetInd:    make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	b.wg.Add(1)
	go b.readLoop(b.reader, b.done)
	return b, nil
}

func (b *Backend) nextTSN() uint8 {
	return uint8(b.tsn.Add(1))
}

// nextPktSeq cycles 1, 2, 3, 1...
func (b *Backend) nextPktSeq() uint8 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.pktSeq = b.pktSeq%3 + 1
	return b.pktSeq
}

func (b *Backend) current() (io.ReadWriteCloser, chan struct{}) {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	return b.port, b.done
}

func (b *Backend) write(raw []byte) error {
	port, _ := b.current()
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := port.Write(raw); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// request sends an HL request and waits for the matching response.
func (b *Backend) request(ctx context.Context, call uint16, payload []byte) (*frame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, respTimeout)
		defer cancel()
	}
	tsn := b.nextTSN()
	ch := make(chan *frame, 1)
	b.pendingMu.Lock()
	b.pending[tsn] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, tsn)
		b.pendingMu.Unlock()
	}()

	seq := b.nextPktSeq()
	if err := b.writeWithACK(ctx, encodeRequest(call, tsn, seq, payload), seq); err != nil {
		return nil, fmt.Errorf("zboss %s: %w", callName(call), err)
	}
	b.logger.Debug("tx", "call", callName(call), "tsn", tsn, "payload", fmt.Sprintf("%X", payload))

	_, done := b.current()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("zboss %s: ncp reset", callName(call))
		}
		if !resp.ok() {
			return resp, &StatusError{Call: call, Category: resp.HL.StatusCat, Code: resp.HL.StatusCode}
		}
		return resp, nil
	case <-ctx.Done():
		b.logger.Warn("request timeout", "call", callName(call), "tsn", tsn)
		return nil, fmt.Errorf("zboss %s: %w", callName(call), ctx.Err())
	case <-done:
		return nil, hal.ErrClosed
	}
}

func (b *Backend) writeWithACK(ctx context.Context, raw []byte, seq uint8) error {
	_, done := b.current()
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := b.write(raw); err != nil {
			return err
		}
		timer := time.NewTimer(ackTimeout)
	wait:
		for {
			select {
			case got := <-b.ackCh:
				if got == seq {
					timer.Stop()
					return nil
				}
				b.logger.Debug("stale ack", "got", got, "want", seq)
			case <-timer.C:
				b.logger.Warn("ack timeout", "attempt", attempt+1, "seq", seq)
				break wait
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-done:
				timer.Stop()
				return hal.ErrClosed
			}
		}
	}
	return fmt.Errorf("no ack after %d attempts", maxRetries+1)
}

func (b *Backend) readLoop(r *bufio.Reader, done chan struct{}) {
	defer b.wg.Done()
	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-done:
			return
		default:
		}

		raw, err := readRawFrame(r)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if !errors.Is(err, io.EOF) && !strings.Contains(err.Error(), "closed") {
				b.logger.Error("read", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-done:
				return
			}
			backoff = min(2*backoff, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		f, err := decodeFrame(raw)
		if err != nil {
			b.logger.Warn("decode", "err", err)
			continue
		}
		if f.isACK() {
			select {
			case b.ackCh <- f.ackSeq():
			default:
			}
			continue
		}
		if err := b.write(encodeACK(f.pktSeq())); err != nil {
			b.logger.Error("send ack", "err", err)
		}

		switch f.HL.PacketType {
		case hlResponse:
			b.pendingMu.Lock()
			ch, ok := b.pending[f.HL.TSN]
			b.pendingMu.Unlock()
			if !ok {
				b.logger.Warn("orphaned response", "call", callName(f.HL.CallID), "tsn", f.HL.TSN)
				continue
			}
			select {
			case ch <- f:
			default:
			}
		case hlIndication:
			b.handleIndication(f)
		}
	}
}

// Close stops the receive loop and closes the port.
func (b *Backend) Close() error {
	b.lifecycleMu.Lock()
	if b.closed {
		b.lifecycleMu.Unlock()
		return nil
	}
	b.closed = true
	b.closeOnce.Do(func() { close(b.done) })
	err := b.port.Close()
	b.lifecycleMu.Unlock()
	b.wg.Wait()
	b.failPending()
	return err
}

func (b *Backend) failPending() {
	b.pendingMu.Lock()
	for tsn, ch := range b.pending {
		close(ch)
		delete(b.pending, tsn)
	}
	b.pendingMu.Unlock()
}

// Reset reboots the NCP and reconnects once it has re-enumerated.
func (b *Backend) Reset(ctx context.Context) error {
	return b.reset(ctx, resetNoOption)
}

// FactoryReset reboots the NCP and erases its network state.
func (b *Backend) FactoryReset(ctx context.Context) error {
	return b.reset(ctx, resetFactory)
}

func (b *Backend) reset(ctx context.Context, option uint8) error {
	// The NCP's expected packet sequence is unknown after a restart; only
	// the matching copy is accepted. No ack is awaited since the NCP
	// reboots immediately.
	tsn := b.nextTSN()
	for _, seq := range []uint8{1, 2, 3} {
		_ = b.write(encodeRequest(callNCPReset, tsn, seq, []byte{option}))
	}
	time.Sleep(100 * time.Millisecond)
	b.logger.Info("ncp reset sent, waiting for reconnect", "option", option)

	b.lifecycleMu.Lock()
	b.closeOnce.Do(func() { close(b.done) })
	b.port.Close()
	b.lifecycleMu.Unlock()
	b.wg.Wait()

	for attempt := 1; attempt <= 30; attempt++ {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
		port, err := b.open()
		if err != nil {
			b.logger.Debug("waiting for ncp", "attempt", attempt, "err", err)
			continue
		}
		b.restart(port)

		probe, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, err = b.request(probe, callGetModuleVersion, nil)
		cancel()
		if err == nil {
			select {
			case <-b.resetInd:
			case <-time.After(3 * time.Second):
				b.logger.Warn("no reset indication, continuing")
			case <-ctx.Done():
				return ctx.Err()
			}
			b.logger.Info("ncp reconnected", "attempts", attempt)
			return nil
		}
		b.logger.Debug("ncp not ready", "attempt", attempt, "err", err)
		b.lifecycleMu.Lock()
		b.closeOnce.Do(func() { close(b.done) })
		port.Close()
		b.lifecycleMu.Unlock()
		b.wg.Wait()
	}
	return fmt.Errorf("zboss: ncp did not come back after reset")
}

// restart installs a new port and starts a fresh receive loop. The
// previous loop must have exited.
func (b *Backend) restart(port io.ReadWriteCloser) {
	b.lifecycleMu.Lock()
	b.port = port
	b.reader = bufio.NewReader(port)
	b.done = make(chan struct{})
	b.closeOnce = sync.Once{}
	r, done := b.reader, b.done
	b.lifecycleMu.Unlock()

	for len(b.ackCh) > 0 {
		<-b.ackCh
	}

	b.failPending()
	b.pendingMu.Lock()
	b.pending = make(map[uint8]chan *frame)
	b.pendingMu.Unlock()
	b.seqMu.Lock()
	b.pktSeq = 0
	b.seqMu.Unlock()
	b.tsn.Store(0)

	b.wg.Add(1)
	go b.readLoop(r, done)
}

func (b *Backend) OnFrame(h func(hal.IncomingFrame)) {
	b.handlerMu.Lock()
	b.onFrame = h
	b.handlerMu.Unlock()
}

func (b *Backend) OnDeviceAnnounce(h func(hal.DeviceAnnounceEvent)) {
	b.handlerMu.Lock()
	b.onAnnounce = h
	b.handlerMu.Unlock()
}

func (b *Backend) OnDeviceLeft(h func(hal.DeviceLeftEvent)) {
	b.handlerMu.Lock()
	b.onLeft = h
	b.handlerMu.Unlock()
}
