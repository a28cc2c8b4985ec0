// Package slcan implements a serial-attached CAN gateway family speaking the
// Lawicel ASCII protocol. Frames and channel control travel over a serial
// port; the gateway chip handles the CAN wire itself.
package slcan

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	canif "github.com/idf-can-bus/esp32-can-multibackend"
)

func init() {
	if err := canif.RegisterBackend(&canif.BackendInfo{
		Name:        "slcan",
		Description: "serial CAN gateway",
		New:         New,
	}); err != nil {
		panic(err)
	}
}

// Wiring is the per-device payload: which serial port to open and at what
// rate.
type Wiring struct {
	Port     string
	Baudrate int
}

const sendQueueLen = 40

// port is the subset of go.bug.st/serial.Port this backend drives.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

var openPort = func(name string, mode *serial.Mode) (port, error) {
	return serial.Open(name, mode)
}

// Backend drives one gateway over its serial port.
type Backend struct {
	canif.Base
	cfg    canif.DeviceConfig
	wiring Wiring
	port   port

	sendChan  chan canif.Frame
	closeChan chan struct{}
	errFlags  atomic.Uint32
	open      bool
}

// New builds a backend for one gateway device.
func New(bus *canif.BusConfig, dev *canif.DeviceConfig) (canif.Backend, error) {
	wiring, ok := dev.Wiring.(Wiring)
	if !ok {
		return nil, fmt.Errorf("slcan: device %d wiring is not slcan.Wiring: %w", dev.ID, canif.ErrConfig)
	}
	if dev.Mode == canif.ModeLoopback {
		return nil, fmt.Errorf("slcan: loopback not supported: %w", canif.ErrConfig)
	}
	cfg := *dev
	cfg.Timeouts = cfg.Timeouts.WithDefaults()
	return &Backend{
		Base:     canif.NewBase("slcan"),
		cfg:      cfg,
		wiring:   wiring,
		sendChan: make(chan canif.Frame, sendQueueLen),
	}, nil
}

// Open claims the serial port, programs the channel speed and opens the CAN
// channel.
func (b *Backend) Open(ctx context.Context) error {
	if b.open {
		return nil
	}
	b.SetState(canif.StateConfiguring)
	mode := &serial.Mode{
		BaudRate: b.wiring.Baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := openPort(b.wiring.Port, mode)
	if err != nil {
		b.SetState(canif.StateUninitialized)
		return fmt.Errorf("failed to open com port %q: %w", b.wiring.Port, err)
	}
	p.SetReadTimeout(3 * time.Millisecond)
	p.ResetOutputBuffer()
	p.ResetInputBuffer()
	b.port = p

	// Fresh stop channel per session; the previous one was closed by Close
	// and would immediately terminate the new managers.
	b.closeChan = make(chan struct{})

	if cmd, ok := speedCommand(b.cfg.Speed); ok {
		p.Write([]byte(cmd))
		time.Sleep(10 * time.Millisecond)
	}
	p.Write([]byte("O\r"))

	// Managers capture this session's port and stop channel so a later
	// reopen never hands them the next session's state.
	go b.sendManager(ctx, p, b.closeChan)
	go b.recvManager(ctx, p, b.closeChan)

	b.open = true
	b.SetState(canif.StateNormal)
	return nil
}

// Close closes the channel and releases the port. Idempotent.
func (b *Backend) Close() error {
	if !b.open {
		return nil
	}
	b.open = false
	close(b.closeChan)
	time.Sleep(10 * time.Millisecond)
	b.port.Write([]byte("C\r"))
	time.Sleep(10 * time.Millisecond)
	b.SetState(canif.StateUninitialized)
	return b.port.Close()
}

// Send queues one frame for the serial writer. Non-blocking; a full queue
// reports ErrTransportBusy.
func (b *Backend) Send(f canif.Frame) error {
	if f.DLC > canif.MaxDataLen {
		return canif.ErrTooLong
	}
	if !b.open {
		return canif.ErrNotOpen
	}
	select {
	case b.sendChan <- f:
		return nil
	default:
		return canif.ErrTransportBusy
	}
}

// Receive pops the oldest frame the reader goroutine has parsed.
func (b *Backend) Receive(f *canif.Frame) (bool, error) {
	if !b.open {
		return false, canif.ErrNotOpen
	}
	return b.Dequeue(f), nil
}

// SetBitrate closes the channel, reprograms the speed and reopens it.
func (b *Backend) SetBitrate(speed canif.Speed, clock canif.Clock) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	cmd, ok := speedCommand(speed)
	if !ok {
		return fmt.Errorf("slcan: unsupported speed %d: %w", speed, canif.ErrConfig)
	}
	b.SetState(canif.StateConfiguring)
	b.port.Write([]byte("C\r"))
	time.Sleep(10 * time.Millisecond)
	b.port.Write([]byte(cmd))
	time.Sleep(10 * time.Millisecond)
	b.port.Write([]byte("O\r"))
	b.cfg.Speed = speed
	b.SetState(canif.StateNormal)
	return nil
}

// SetMode accepts Normal only; the gateway has no loopback path, so a
// loopback request fails immediately without a retry bound.
func (b *Backend) SetMode(m canif.Mode) error {
	if m != canif.ModeNormal {
		return fmt.Errorf("slcan: no loopback path: %w", canif.ErrModeSwitchFailed)
	}
	return nil
}

// SetFilter programs the acceptance code register; the gateway applies it on
// the next channel open, so the channel is cycled.
func (b *Backend) SetFilter(index uint8, extended bool, id uint32) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	return b.writeAcceptance('M', id)
}

// SetMask programs the acceptance mask register.
func (b *Backend) SetMask(index uint8, extended bool, mask uint32) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	return b.writeAcceptance('m', mask)
}

func (b *Backend) writeAcceptance(cmd byte, value uint32) error {
	b.SetState(canif.StateConfiguring)
	b.port.Write([]byte("C\r"))
	time.Sleep(10 * time.Millisecond)
	buf := []byte{cmd}
	for shift := 28; shift >= 0; shift -= 4 {
		buf = append(buf, nybbleToHex(byte(value>>shift)&0xF))
	}
	buf = append(buf, '\r')
	if _, err := b.port.Write(buf); err != nil {
		return fmt.Errorf("failed to write to com port: %w", err)
	}
	time.Sleep(10 * time.Millisecond)
	b.port.Write([]byte("O\r"))
	b.SetState(canif.StateNormal)
	return nil
}

// ErrorFlags returns the reader's sticky error byte; the gateway reports
// faults as 'F' status lines which the parser latches.
func (b *Backend) ErrorFlags() uint8 { return uint8(b.errFlags.Load()) }

func (b *Backend) ClearRxOverrun() { b.errFlags.Store(0) }

func (b *Backend) ClearErrorInterrupt() { b.errFlags.Store(0) }

func (b *Backend) sendManager(ctx context.Context, p port, stop <-chan struct{}) {
	buf := make([]byte, 0, 32)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case f := <-b.sendChan:
			buf = encodeFrame(buf[:0], f)
			if _, err := p.Write(buf); err != nil {
				select {
				case <-stop:
				default:
					b.PostEvent(canif.EventError)
				}
				return
			}
		}
	}
}

func (b *Backend) recvManager(ctx context.Context, p port, stop <-chan struct{}) {
	parseBuf := make([]byte, 0, 1024)
	readBuf := make([]byte, 16)
	for ctx.Err() == nil {
		select {
		case <-stop:
			return
		default:
		}
		n, err := p.Read(readBuf)
		if err != nil {
			select {
			case <-stop:
			default:
				b.PostEvent(canif.EventError)
			}
			return
		}
		if n == 0 {
			continue
		}
		parseBuf = b.parse(parseBuf, readBuf[:n])
	}
}

// parse consumes serial bytes and returns any remaining partial line.
func (b *Backend) parse(buf, read []byte) []byte {
	for _, c := range read {
		if c != '\r' {
			buf = append(buf, c)
			continue
		}
		if len(buf) == 0 {
			continue
		}
		switch buf[0] {
		case 't', 'T':
			f, err := decodeFrame(buf)
			if err == nil {
				if b.Enqueue(f) {
					b.PostEvent(canif.EventRxReady)
				}
			} else {
				b.PostEvent(canif.EventError)
			}
		case 'F':
			if len(buf) >= 3 {
				if raw, err := hex.DecodeString(string(buf[1:3])); err == nil {
					b.errFlags.Store(uint32(raw[0]))
				}
			}
			b.PostEvent(canif.EventError)
		}
		buf = buf[:0]
	}
	return buf
}

func speedCommand(s canif.Speed) (string, bool) {
	switch s {
	case canif.Speed10K:
		return "S0\r", true
	case canif.Speed20K:
		return "S1\r", true
	case canif.Speed50K:
		return "S2\r", true
	case canif.Speed100K:
		return "S3\r", true
	case canif.Speed125K:
		return "S4\r", true
	case canif.Speed250K:
		return "S5\r", true
	case canif.Speed500K:
		return "S6\r", true
	case canif.Speed1000K:
		return "S8\r", true
	default:
		return "", false
	}
}
