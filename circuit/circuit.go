package circuit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"log/slog"
	"sync"
	"time"

	"github.com/teiid/garlic/cell"
	"github.com/teiid/garlic/descriptor"
	"github.com/teiid/garlic/link"
	"github.com/teiid/garlic/ntor"
)

// Hop holds the encryption state for one circuit hop.
type Hop struct {
	kf cipher.Stream // Forward AES-128-CTR (client→relay)
	kb cipher.Stream // Backward AES-128-CTR (relay→client)
	df hash.Hash     // Forward running SHA-1 digest
	db hash.Hash     // Backward running SHA-1 digest
}

// MaxRelayEarly is the maximum number of RELAY_EARLY cells per circuit (tor-spec §5.6).
const MaxRelayEarly = 8

// RelayMessage is one dispatched, decrypted relay-cell delivery: either destined
// for a registered stream or for the circuit's control channel (stream id 0).
type RelayMessage struct {
	HopIdx   int
	RelayCmd uint8
	StreamID uint16
	Data     []byte
	Err      error
}

// ctrlBacklog bounds how many unconsumed control-channel messages (EXTENDED2,
// RENDEZVOUS_ESTABLISHED, INTRODUCE_ACK, RENDEZVOUS2, circuit-level SENDME, ...)
// the pump will buffer; once it is full, each newly arriving message is dropped.
const ctrlBacklog = 32

// streamBacklog bounds per-stream buffering in the dispatcher.
const streamBacklog = 16

// Circuit represents an established Tor circuit over a link.
type Circuit struct {
	rmu            sync.Mutex // protects reads: Reader, kb, db
	wmu            sync.Mutex // protects writes: Writer, kf, df, RelayEarlySent
	ID             uint32
	Link           *link.Link
	Hops           []*Hop
	RelayEarlySent int // tracks RELAY_EARLY cells sent (max 8)

	pumpOnce  sync.Once
	pendingMu sync.Mutex
	pending   map[uint16]chan RelayMessage
	ctrl      chan RelayMessage
	closed    chan struct{}
	closeErr  error
}

// startPump lazily launches the circuit's single read-pump goroutine, which owns
// all inbound cell reads and dispatches decrypted relay cells to either a
// registered stream channel (keyed by stream id) or the control channel
// (stream id 0: EXTEND2/rendezvous replies and circuit-level SENDME).
func (c *Circuit) startPump() {
	c.pumpOnce.Do(func() {
		c.pendingMu.Lock()
		c.pending = make(map[uint16]chan RelayMessage)
		c.ctrl = make(chan RelayMessage, ctrlBacklog)
		c.closed = make(chan struct{})
		c.pendingMu.Unlock()
		go c.pumpLoop()
	})
}

func (c *Circuit) pumpLoop() {
	for {
		c.rmu.Lock()
		incoming, err := c.Link.Reader.ReadCell()
		if err != nil {
			c.rmu.Unlock()
			c.teardown(fmt.Errorf("read cell: %w", err))
			return
		}

		switch cmd := incoming.Command(); cmd {
		case cell.CmdPadding:
			c.rmu.Unlock()
		case cell.CmdDestroy:
			c.rmu.Unlock()
			reason := incoming.Payload()[0]
			c.teardown(fmt.Errorf("circuit destroyed by relay (reason=%d)", reason))
			return
		case cell.CmdRelay, cell.CmdRelayEarly:
			hopIdx, relayCmd, streamID, data, derr := c.decryptRelayLocked(incoming)
			c.rmu.Unlock()
			if derr != nil {
				c.teardown(derr)
				return
			}
			c.dispatch(RelayMessage{HopIdx: hopIdx, RelayCmd: relayCmd, StreamID: streamID, Data: data})
		default:
			c.rmu.Unlock()
			c.teardown(fmt.Errorf("unexpected cell command %d on circuit", cmd))
			return
		}
	}
}

// dispatch routes one decrypted relay message to its registered stream channel,
// or to the control channel when the stream id is 0 (or unregistered, in which
// case the message is silently dropped per the spec's pending-stream contract).
// A circuit-level SENDME (stream id 0) is broadcast to every currently
// registered stream instead of going through the control channel, so it
// reaches whichever streams are actually waiting on send-window credit rather
// than whichever goroutine happens to be calling ReceiveRelay at that moment.
func (c *Circuit) dispatch(msg RelayMessage) {
	if msg.StreamID == 0 {
		if msg.RelayCmd == RelaySendMe {
			c.pendingMu.Lock()
			for _, ch := range c.pending {
				select {
				case ch <- msg:
				default:
				}
			}
			c.pendingMu.Unlock()
			return
		}
		select {
		case c.ctrl <- msg:
		default:
		}
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.StreamID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (c *Circuit) teardown(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	select {
	case <-c.closed:
		return // already torn down
	default:
	}
	c.closeErr = err
	close(c.closed)
	for _, ch := range c.pending {
		select {
		case ch <- RelayMessage{Err: err}:
		default:
		}
	}
	select {
	case c.ctrl <- RelayMessage{Err: err}:
	default:
	}
}

// RegisterStream installs a channel in the circuit's pending-stream map for the
// given stream id. It MUST be called before the request that solicits replies
// for that id is transmitted, so a fast reply can never race registration.
func (c *Circuit) RegisterStream(id uint16) <-chan RelayMessage {
	c.startPump()
	ch := make(chan RelayMessage, streamBacklog)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

// UnregisterStream removes a stream id from the pending-stream map. Cells that
// arrive afterward for this id are dropped by dispatch.
func (c *Circuit) UnregisterStream(id uint16) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Alive reports whether the circuit's read pump has observed a teardown
// (DESTROY cell, link read error, or cancellation). Before the pump starts
// (no relay cell sent or received yet) a circuit is presumed alive. Does not
// itself start the pump, so it is safe to call on a circuit that may never
// see any I/O.
func (c *Circuit) Alive() bool {
	c.pendingMu.Lock()
	closed := c.closed
	c.pendingMu.Unlock()
	if closed == nil {
		return true
	}
	select {
	case <-closed:
		return false
	default:
		return true
	}
}

// Create performs a CREATE2/CREATED2 handshake to build a single-hop circuit.
// ctx bounds the dial-adjacent CREATE2/CREATED2 round trip: if it is
// cancelled before CREATED2 arrives, the link is closed to unblock the read.
func Create(ctx context.Context, l *link.Link, relayInfo *descriptor.RelayInfo, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	// Allocate circuit ID with MSB=1, ensuring uniqueness on this link
	var circID uint32
	for attempts := 0; attempts < 16; attempts++ {
		id, err := allocateCircID()
		if err != nil {
			return nil, fmt.Errorf("allocate circuit ID: %w", err)
		}
		if l.ClaimCircID(id) {
			circID = id
			break
		}
	}
	if circID == 0 {
		return nil, fmt.Errorf("failed to allocate unique circuit ID after 16 attempts")
	}
	logger.Info("circuit ID allocated", "circID", fmt.Sprintf("0x%08x", circID))

	// Create ntor handshake
	hs, err := ntor.NewHandshake(relayInfo.NodeID, relayInfo.NtorOnionKey)
	if err != nil {
		return nil, fmt.Errorf("ntor handshake init: %w", err)
	}
	defer hs.Close() // Zero ephemeral private key on all exit paths

	// Build CREATE2 cell
	clientData := hs.ClientData()
	create2 := cell.NewFixedCell(circID, cell.CmdCreate2)
	p := create2.Payload()
	binary.BigEndian.PutUint16(p[0:2], 0x0002) // HTYPE = ntor
	binary.BigEndian.PutUint16(p[2:4], 84)     // HLEN = 84
	copy(p[4:88], clientData[:])

	// Set deadline for circuit creation
	l.SetDeadline(time.Now().Add(30 * time.Second))
	defer l.SetDeadline(time.Time{}) // Clear deadline after

	logger.Debug("sending CREATE2", "circID", fmt.Sprintf("0x%08x", circID))
	if err := l.Writer.WriteCell(create2); err != nil {
		return nil, fmt.Errorf("send CREATE2: %w", err)
	}

	// Read response
	resp, err := l.Reader.ReadCell()
	if err != nil {
		return nil, fmt.Errorf("read CREATED2: %w", err)
	}

	cmd := resp.Command()
	if cmd == cell.CmdDestroy {
		reason := resp.Payload()[0]
		return nil, fmt.Errorf("relay sent DESTROY (reason=%d) instead of CREATED2", reason)
	}
	if cmd != cell.CmdCreated2 {
		return nil, fmt.Errorf("expected CREATED2 (11), got command %d", cmd)
	}

	// Parse CREATED2: HLEN(2) + HDATA(HLEN)
	rp := resp.Payload()
	hlen := binary.BigEndian.Uint16(rp[0:2])
	if hlen != 64 {
		return nil, fmt.Errorf("CREATED2 HLEN=%d, expected 64", hlen)
	}

	var serverData [64]byte
	copy(serverData[:], rp[2:66])

	logger.Debug("received CREATED2")

	// Complete ntor handshake
	km, err := hs.Complete(serverData)
	if err != nil {
		return nil, fmt.Errorf("ntor complete: %w", err)
	}

	logger.Info("ntor handshake complete")

	// Initialize AES-128-CTR ciphers with zero IV
	hop, err := initHop(km)
	clear(km.Kf[:])
	clear(km.Kb[:])
	clear(km.Df[:])
	clear(km.Db[:])
	if err != nil {
		return nil, fmt.Errorf("init hop: %w", err)
	}

	return &Circuit{
		ID:   circID,
		Link: l,
		Hops: []*Hop{hop},
	}, nil
}

// SendRelay encrypts and sends a relay cell through the circuit.
// The encrypt and write are atomic to prevent interleaving of cipher stream state.
func (c *Circuit) SendRelay(relayCmd uint8, streamID uint16, data []byte) error {
	c.wmu.Lock()
	relayCell, err := c.encryptRelayLocked(relayCmd, streamID, data)
	if err != nil {
		c.wmu.Unlock()
		return fmt.Errorf("encrypt relay: %w", err)
	}
	err = c.Link.Writer.WriteCell(relayCell)
	c.wmu.Unlock()
	return err
}

// ReceiveRelay waits for the next control-channel relay delivery (stream id 0):
// EXTENDED2, ESTABLISH_RENDEZVOUS/INTRODUCE/RENDEZVOUS2 replies, circuit-level
// SENDME. It starts the circuit's read pump on first use.
func (c *Circuit) ReceiveRelay() (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	return c.ReceiveRelayContext(context.Background())
}

// ReceiveRelayContext is ReceiveRelay with cancellation, used by the racer to
// abandon a losing lane's in-flight wait without leaking the goroutine.
func (c *Circuit) ReceiveRelayContext(ctx context.Context) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	c.startPump()
	select {
	case msg := <-c.ctrl:
		return msg.HopIdx, msg.RelayCmd, msg.StreamID, msg.Data, msg.Err
	case <-c.closed:
		c.pendingMu.Lock()
		cerr := c.closeErr
		c.pendingMu.Unlock()
		return 0, 0, 0, nil, cerr
	case <-ctx.Done():
		return 0, 0, 0, nil, ctx.Err()
	}
}

// BackwardDigest returns the current backward digest state (for SENDME v1).
// NOTE: This must be called while the circuit mutex is NOT held (it acquires it).
// For use in flow control after ReceiveRelay returns.
func (c *Circuit) BackwardDigest() []byte {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if len(c.Hops) == 0 {
		return nil
	}
	return c.Hops[len(c.Hops)-1].db.Sum(nil)
}

// SendRelayEarly sends a RELAY_EARLY cell, enforcing the per-circuit budget of 8.
// Caller must NOT hold c.wmu.
func (c *Circuit) SendRelayEarly(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.RelayEarlySent >= MaxRelayEarly {
		return fmt.Errorf("RELAY_EARLY budget exhausted (%d/%d)", c.RelayEarlySent, MaxRelayEarly)
	}
	c.RelayEarlySent++

	earlyCell := cell.NewFixedCell(c.ID, cell.CmdRelayEarly)
	copy(earlyCell.Payload(), payload)
	return c.Link.Writer.WriteCell(earlyCell)
}

// Destroy sends a DESTROY cell to tear down the circuit.
func (c *Circuit) Destroy() error {
	destroy := cell.NewFixedCell(c.ID, cell.CmdDestroy)
	destroy.Payload()[0] = 0 // reason = NONE
	return c.Link.Writer.WriteCell(destroy)
}

// NewHop creates a Hop with caller-provided cipher streams and digest hashes.
// This allows onion service circuits to use SHA3-256/AES-256-CTR instead of SHA1/AES-128-CTR.
func NewHop(kf, kb cipher.Stream, df, db hash.Hash) *Hop {
	return &Hop{kf: kf, kb: kb, df: df, db: db}
}

// AddHop appends a hop to the circuit (e.g., the virtual onion-service hop after RENDEZVOUS2).
func (c *Circuit) AddHop(hop *Hop) {
	c.wmu.Lock()
	c.rmu.Lock()
	c.Hops = append(c.Hops, hop)
	c.rmu.Unlock()
	c.wmu.Unlock()
}

func allocateCircID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	circID := binary.BigEndian.Uint32(buf[:])
	circID |= 0x80000000 // Set MSB (client-initiated)
	return circID, nil
}

func initHop(km *ntor.KeyMaterial) (*Hop, error) {
	// AES-128-CTR with zero IV (stream state persists across cells)
	zeroIV := make([]byte, aes.BlockSize)

	fwdBlock, err := aes.NewCipher(km.Kf[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR forward: %w", err)
	}
	bwdBlock, err := aes.NewCipher(km.Kb[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR backward: %w", err)
	}

	// SHA-1 running digests seeded with Df/Db
	df := sha1.New()
	df.Write(km.Df[:])
	db := sha1.New()
	db.Write(km.Db[:])

	return &Hop{
		kf: cipher.NewCTR(fwdBlock, zeroIV),
		kb: cipher.NewCTR(bwdBlock, zeroIV),
		df: df,
		db: db,
	}, nil
}
