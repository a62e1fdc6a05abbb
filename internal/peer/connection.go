package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerwire/internal/config"
	"peerwire/internal/logger"
	"peerwire/internal/protocol"
)

type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingHandshake
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingHandshake:
		return "awaiting-handshake"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Flags are the four choke/interest bits of a link.
type Flags struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

func initialFlags() Flags {
	return Flags{AmChoking: true, PeerChoking: true}
}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Options struct {
	InfoHash  [20]byte
	PeerID    [20]byte
	NumPieces int
	Config    *config.Config
	// Dial defaults to a net.Dialer.
	Dial   DialFunc
	Logger *zap.Logger
}

// Conn owns the socket to one remote peer. Run drives it through
// Connecting, AwaitingHandshake and Established until it is Closed.
type Conn struct {
	id     string
	addr   Addr
	opts   Options
	cfg    *config.Config
	limits protocol.Limits
	log    *zap.Logger

	writeMu  sync.Mutex
	lastSent time.Time

	mu          sync.Mutex
	nc          net.Conn
	r           *bufio.Reader
	state       State
	err         error
	dropReason  error
	flags       Flags
	bitfield    protocol.Bitfield
	remoteID    [20]byte
	seenMessage bool
}

func NewConn(addr Addr, opts Options) *Conn {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}

	id := uuid.NewString()
	return &Conn{
		id:   id,
		addr: addr,
		opts: opts,
		cfg:  opts.Config,
		limits: protocol.Limits{
			NumPieces: opts.NumPieces,
			MaxBlock:  opts.Config.MaxBlockSize,
		},
		log: logger.L(opts.Logger).Named("peer").With(
			zap.String("peer", addr.String()),
			zap.String("conn", id),
		),
		state:    Disconnected,
		flags:    initialFlags(),
		bitfield: protocol.NewBitfield(opts.NumPieces),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Addr() Addr {
	return c.addr
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the error that closed the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Flags() Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// RemoteID is the peer id the remote sent in its handshake.
func (c *Conn) RemoteID() [20]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

func (c *Conn) HasPiece(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitfield.HasPiece(index)
}

// Bitfield returns a copy of the pieces the peer claims.
func (c *Conn) Bitfield() protocol.Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(protocol.Bitfield(nil), c.bitfield...)
}

// Run connects, handshakes and reads until the connection ends. The socket is
// closed and h.HandleClose called on every exit path; the returned error is
// the one passed to HandleClose.
func (c *Conn) Run(ctx context.Context, h Handler) (err error) {
	defer func() {
		err = c.finish(err)
		h.HandleClose(c, err)
	}()

	c.setState(Connecting)
	nc, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := c.attach(nc); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		c.Drop(context.Cause(ctx))
	})
	defer stop()

	if err := c.handshake(); err != nil {
		return err
	}
	c.log.Debug("handshake complete")
	h.HandleEstablished(c)

	return c.readLoop(h)
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	nc, err := c.opts.Dial(dctx, "tcp", c.addr.String())
	if err != nil {
		return nil, &ConnectError{Addr: c.addr, Err: err}
	}
	return nc, nil
}

func (c *Conn) attach(nc net.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropReason != nil {
		nc.Close()
		return c.dropReason
	}
	c.nc = nc
	c.r = bufio.NewReader(nc)
	return nil
}

func (c *Conn) handshake() error {
	c.nc.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer c.nc.SetDeadline(time.Time{})

	c.writeMu.Lock()
	_, err := c.nc.Write(protocol.EncodeHandshake(c.opts.InfoHash, c.opts.PeerID))
	c.lastSent = time.Now()
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	c.setState(AwaitingHandshake)

	res, err := protocol.ReadHandshake(c.r)
	if err != nil {
		return err
	}
	if err := res.Check(c.opts.InfoHash); err != nil {
		return err
	}

	c.mu.Lock()
	c.remoteID = res.PeerID
	c.state = Established
	c.mu.Unlock()
	return nil
}

func (c *Conn) readLoop(h Handler) error {
	idle := 0
	for {
		c.nc.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		if _, err := c.r.Peek(1); err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				return err
			}
			idle++
			if idle >= c.cfg.MaxIdleTimeouts {
				return fmt.Errorf("%w: no data for %d read periods", ErrStalled, idle)
			}
			if err := c.keepAlive(); err != nil {
				return err
			}
			continue
		}
		idle = 0

		// a frame has started and must arrive whole
		c.nc.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout * time.Duration(c.cfg.MaxIdleTimeouts)))
		msg, err := protocol.ReadMessage(c.r, c.limits)
		if err != nil {
			return err
		}

		forward, err := c.apply(msg)
		if err != nil {
			return err
		}
		if forward {
			h.HandleMessage(c, msg)
		}
	}
}

// apply updates the link state for a received message and reports whether
// the message is of interest to the handler.
func (c *Conn) apply(msg protocol.Message) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := msg.(protocol.KeepAlive); ok {
		return false, nil
	}
	first := !c.seenMessage
	c.seenMessage = true

	switch m := msg.(type) {
	case protocol.Choke:
		c.flags.PeerChoking = true
	case protocol.Unchoke:
		c.flags.PeerChoking = false
	case protocol.Interested:
		c.flags.PeerInterested = true
	case protocol.NotInterested:
		c.flags.PeerInterested = false
	case protocol.Have:
		if m.Index < 0 || m.Index >= c.opts.NumPieces {
			return false, fmt.Errorf("%w: have for piece %d of %d", protocol.ErrMalformedPayload, m.Index, c.opts.NumPieces)
		}
		c.bitfield.SetPiece(m.Index)
	case protocol.BitfieldMsg:
		if first {
			clear(c.bitfield)
			copy(c.bitfield, m.Bits)
		} else {
			c.log.Debug("late bitfield merged")
			c.bitfield.Or(m.Bits)
		}
	case protocol.Request:
		if c.flags.AmChoking {
			// nothing is owed to a choked peer
			return false, nil
		}
	}
	return true, nil
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) finish(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropReason != nil {
		err = c.dropReason
	}
	c.state = Closed
	c.err = err
	if c.nc != nil {
		c.nc.Close()
	}

	if err != nil {
		c.log.Debug("connection closed", zap.Error(err))
	}
	return err
}

// Drop closes the socket, which ends Run. The first reason given is the one
// reported to the handler.
func (c *Conn) Drop(reason error) {
	if reason == nil {
		reason = ErrClosed
	}

	c.mu.Lock()
	if c.dropReason == nil {
		c.dropReason = reason
	}
	nc := c.nc
	c.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
}

func (c *Conn) Close() error {
	c.Drop(ErrClosed)
	return nil
}

func (c *Conn) writeLocked(m protocol.Message) error {
	if c.State() != Established {
		return ErrNotEstablished
	}

	c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := protocol.WriteMessage(c.nc, m); err != nil {
		// a partial frame leaves the stream unusable
		c.Drop(err)
		return err
	}
	c.lastSent = time.Now()
	return nil
}

func (c *Conn) send(m protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.writeLocked(m)
}

// sendFlag sends m unless the flag already holds value, then records it.
func (c *Conn) sendFlag(m protocol.Message, flag func(*Flags) *bool, value bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	already := *flag(&c.flags) == value
	c.mu.Unlock()
	if already {
		return nil
	}

	if err := c.writeLocked(m); err != nil {
		return err
	}

	c.mu.Lock()
	*flag(&c.flags) = value
	c.mu.Unlock()
	return nil
}

func (c *Conn) keepAlive() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if time.Since(c.lastSent) < c.cfg.KeepAliveInterval {
		return nil
	}
	return c.writeLocked(protocol.KeepAlive{})
}

func amChoking(f *Flags) *bool    { return &f.AmChoking }
func amInterested(f *Flags) *bool { return &f.AmInterested }

func (c *Conn) SendChoke() error {
	return c.sendFlag(protocol.Choke{}, amChoking, true)
}

func (c *Conn) SendUnchoke() error {
	return c.sendFlag(protocol.Unchoke{}, amChoking, false)
}

func (c *Conn) SendInterested() error {
	return c.sendFlag(protocol.Interested{}, amInterested, true)
}

func (c *Conn) SendNotInterested() error {
	return c.sendFlag(protocol.NotInterested{}, amInterested, false)
}

// Sends a request message to the peer
func (c *Conn) SendRequest(index, begin, length int) error {
	return c.send(protocol.Request{Index: index, Begin: begin, Length: length})
}

func (c *Conn) SendCancel(index, begin, length int) error {
	return c.send(protocol.Cancel{Index: index, Begin: begin, Length: length})
}

func (c *Conn) SendHave(index int) error {
	return c.send(protocol.Have{Index: index})
}

func (c *Conn) SendBitfield(bf protocol.Bitfield) error {
	return c.send(protocol.BitfieldMsg{Bits: bf})
}
