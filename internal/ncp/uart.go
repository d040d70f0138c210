package ncp

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

	"zigbee-tuya-bridge/internal/tuya"
)

// DefaultUARTVersion is the protocol version byte written in every frame.
const DefaultUARTVersion uint8 = 0x02

// UARTConfig describes the single device behind a serial module. The module
// has no addressing of its own, so the configured short address and
// endpoint stand in for the device on both directions.
type UARTConfig struct {
	ShortAddr uint16
	Endpoint  uint8
	Version   uint8
}

// UART implements Radio for a Tuya serial module. Each link frame carries
// one 0xEF00 command: cmd is the command id and data its payload.
type UART struct {
	port     io.ReadWriteCloser
	portName string
	reader   *bufio.Reader
	cfg      UARTConfig
	logger   *slog.Logger

	seq     atomic.Uint32
	writeMu sync.Mutex

	handlerMu    sync.RWMutex
	onClusterCmd func(ClusterCommandEvent)

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	badFrames atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenUART opens portName and starts reading.
func OpenUART(portName string, baudRate int, cfg UARTConfig, logger *slog.Logger) (*UART, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("uart: open %s: %w", portName, err)
	}
	u := NewUART(port, cfg, logger)
	u.portName = portName
	return u, nil
}

// NewUART wraps an already open port.
func NewUART(port io.ReadWriteCloser, cfg UARTConfig, logger *slog.Logger) *UART {
	if cfg.Version == 0 {
		cfg.Version = DefaultUARTVersion
	}
	u := &UART{
		port:   port,
		reader: bufio.NewReader(port),
		cfg:    cfg,
		logger: logger.With("component", "uart"),
		done:   make(chan struct{}),
	}
	u.wg.Add(1)
	go u.readLoop()
	return u
}

func (u *UART) nextSeq() uint16 {
	return uint16(u.seq.Add(1))
}

func (u *UART) SendCommand(ctx context.Context, req ClusterCommandRequest) error {
	if req.ClusterID != tuya.ClusterID {
		return fmt.Errorf("uart: cluster 0x%04X cannot be tunnelled", req.ClusterID)
	}
	if req.DstAddr != u.cfg.ShortAddr {
		return fmt.Errorf("uart: no device at 0x%04X", req.DstAddr)
	}
	select {
	case <-u.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	raw := encodeUARTFrame(uartFrame{
		Version: u.cfg.Version,
		Seq:     u.nextSeq(),
		Cmd:     req.CommandID,
		Data:    req.Payload,
	})
	u.writeMu.Lock()
	_, err := u.port.Write(raw)
	u.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("uart write: %w", err)
	}
	u.framesOut.Add(1)
	u.logger.Debug("uart frame sent", "cmd", fmt.Sprintf("0x%02X", req.CommandID), "len", len(req.Payload))
	return nil
}

func (u *UART) OnClusterCommand(handler func(ClusterCommandEvent)) {
	u.handlerMu.Lock()
	defer u.handlerMu.Unlock()
	u.onClusterCmd = handler
}

func (u *UART) Info() *RadioInfo {
	return &RadioInfo{
		Backend:         "tuya-uart",
		Port:            u.portName,
		ProtocolVersion: u.cfg.Version,
		FramesIn:        u.framesIn.Load(),
		FramesOut:       u.framesOut.Load(),
		BadFrames:       u.badFrames.Load(),
	}
}

// Close stops the reader and waits for it to exit.
func (u *UART) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.done)
		err = u.port.Close()
	})
	u.wg.Wait()
	return err
}

func (u *UART) readLoop() {
	defer u.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-u.done:
			return
		default:
		}

		f, err := readUARTFrame(u.reader)
		if errors.Is(err, errBadChecksum) || errors.Is(err, errFrameTooLong) {
			u.badFrames.Add(1)
			u.logger.Warn("uart frame dropped", "err", err)
			continue
		}
		if err != nil {
			select {
			case <-u.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				u.logger.Error("uart read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-u.done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond
		u.framesIn.Add(1)

		u.logger.Debug("uart frame received",
			"cmd", fmt.Sprintf("0x%02X", f.Cmd),
			"seq", f.Seq,
			"len", len(f.Data))

		u.handlerMu.RLock()
		h := u.onClusterCmd
		u.handlerMu.RUnlock()
		if h != nil {
			h(ClusterCommandEvent{
				SrcAddr:   u.cfg.ShortAddr,
				SrcEP:     u.cfg.Endpoint,
				ClusterID: tuya.ClusterID,
				CommandID: f.Cmd,
				Payload:   f.Data,
			})
		}
	}
}
