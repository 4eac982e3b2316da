package stream

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/teiid/garlic/circuit"
)

var _ io.ReadWriteCloser = (*Stream)(nil)

// nextStreamID is a global atomic counter for stream ID allocation.
var nextStreamID atomic.Uint32

func init() {
	nextStreamID.Store(1)
}

const (
	relayEndReasonDone = 6
)

// Stream represents a Tor stream over a circuit, dispatched to by the owning
// Circuit's read pump through a dedicated delivery channel keyed by stream id.
type Stream struct {
	ID                 uint16
	Circuit            *circuit.Circuit
	CircWindow         int // Circuit-level send package window (init 1000)
	StreamWindow       int // Stream-level send package window (init 500)
	inbound            <-chan circuit.RelayMessage
	buf                []byte
	closed             bool
	eof                bool
	circDataReceived   int // DATA cells received since last circuit SENDME
	streamDataReceived int // DATA cells received since last stream SENDME
}

// Begin opens a new stream to the given target (host:port) through the circuit.
// It sends RELAY_BEGIN and waits for RELAY_CONNECTED.
func Begin(circ *circuit.Circuit, target string) (*Stream, error) {
	id, err := allocateStreamID()
	if err != nil {
		return nil, err
	}

	// Register before transmitting — a fast CONNECTED/END can never race this.
	inbound := circ.RegisterStream(id)

	// RELAY_BEGIN payload: "host:port\0" + flags(4 bytes, all zero)
	payload := make([]byte, len(target)+1+4)
	copy(payload, target)
	// null terminator and flags are already zero

	if err := circ.SendRelay(circuit.RelayBegin, id, payload); err != nil {
		circ.UnregisterStream(id)
		return nil, fmt.Errorf("send RELAY_BEGIN: %w", err)
	}

	// Wait for RELAY_CONNECTED (or RELAY_END on failure)
	for {
		msg := <-inbound
		if msg.Err != nil {
			circ.UnregisterStream(id)
			return nil, fmt.Errorf("receive relay response: %w", msg.Err)
		}

		switch msg.RelayCmd {
		case circuit.RelayConnected:
			return &Stream{
				ID:           id,
				Circuit:      circ,
				CircWindow:   1000,
				StreamWindow: 500,
				inbound:      inbound,
			}, nil
		case circuit.RelayEnd:
			circ.UnregisterStream(id)
			reason := uint8(0)
			if len(msg.Data) > 0 {
				reason = msg.Data[0]
			}
			return nil, fmt.Errorf("stream rejected: RELAY_END reason=%d", reason)
		default:
			circ.UnregisterStream(id)
			return nil, fmt.Errorf("unexpected relay command %d while waiting for CONNECTED", msg.RelayCmd)
		}
	}
}

func allocateStreamID() (uint16, error) {
	for {
		raw := nextStreamID.Add(1) - 1
		id := uint16(raw)
		if id != 0 {
			return id, nil
		}
		// Prevent infinite loop on overflow — 65535 streams is the uint16 limit
		if raw > 0xFFFF {
			return 0, fmt.Errorf("stream ID space exhausted")
		}
	}
}

// Write sends data through the stream as RELAY_DATA cells.
// Data is split into chunks of up to 498 bytes (MaxRelayDataLen).
// Respects send-side flow control windows.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	total := 0
	for len(p) > 0 {
		// Check send windows: if either is exhausted, return an error rather
		// than waiting for a SENDME to reopen it.
		if s.CircWindow <= 0 || s.StreamWindow <= 0 {
			return total, fmt.Errorf("send window exhausted (circ=%d, stream=%d)", s.CircWindow, s.StreamWindow)
		}

		chunk := p
		if len(chunk) > circuit.MaxRelayDataLen {
			chunk = p[:circuit.MaxRelayDataLen]
		}
		if err := s.Circuit.SendRelay(circuit.RelayData, s.ID, chunk); err != nil {
			return total, fmt.Errorf("send RELAY_DATA: %w", err)
		}
		s.CircWindow--
		s.StreamWindow--
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Read receives data from the stream.
// It reads RELAY_DATA cells delivered by the circuit's read pump and buffers
// their contents. Cells for other streams never reach this Stream — the
// circuit's pump dispatches them to their own registered channel instead.
func (s *Stream) Read(p []byte) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	// Return buffered data first
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}

	for {
		msg := <-s.inbound
		if msg.Err != nil {
			return 0, fmt.Errorf("receive relay: %w", msg.Err)
		}

		if msg.StreamID == 0 && msg.RelayCmd == circuit.RelaySendMe {
			// Broadcast circuit-level SENDME — window credit, not stream data.
			s.CircWindow += circSendMeWindow
			continue
		}

		switch msg.RelayCmd {
		case circuit.RelayData:
			if err := s.handleDataReceived(); err != nil {
				return 0, err
			}
			n := copy(p, msg.Data)
			if n < len(msg.Data) {
				s.buf = append(s.buf, msg.Data[n:]...)
			}
			return n, nil
		case circuit.RelayEnd:
			s.eof = true
			s.Circuit.UnregisterStream(s.ID)
			return 0, io.EOF
		case circuit.RelaySendMe:
			// Stream-level SENDME — relay is ready for more data
			s.StreamWindow += 50
			continue
		default:
			return 0, fmt.Errorf("unexpected relay command %d on stream", msg.RelayCmd)
		}
	}
}

// Close sends RELAY_END to close the stream.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.Circuit.UnregisterStream(s.ID)
	return s.Circuit.SendRelay(circuit.RelayEnd, s.ID, []byte{relayEndReasonDone})
}
