// Package relay drives a TURN client connection over TCP: the allocate handshake, the reader
// that demultiplexes relay traffic to peer sessions and the shared write path.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/matst80/turnbridge/internal/frame"
	"github.com/matst80/turnbridge/internal/obs"
	"github.com/matst80/turnbridge/internal/proto"
	"github.com/matst80/turnbridge/internal/ratelimit"
	"github.com/matst80/turnbridge/internal/session"
	"github.com/matst80/turnbridge/internal/txn"
)

const (
	DefaultAllocateTimeout = 30 * time.Second
	DefaultIdleTimeout     = 4 * time.Minute
	// DefaultLocalAddr is the application server bridged to when Options.Local is unset.
	DefaultLocalAddr = "127.0.0.1:8080"
	readBufferSize   = 64 * 1024
)

var (
	ErrAlreadyConnected    = errors.New("relay: already connected")
	ErrNoCandidates        = errors.New("relay: no candidate servers")
	ErrAllCandidatesFailed = errors.New("relay: all candidate servers failed")
	ErrAllocateTimeout     = errors.New("relay: allocate timeout")
	ErrNotAllocated        = errors.New("relay: not allocated")
	ErrIdle                = errors.New("relay: idle timeout")
	ErrClosed              = errors.New("relay: closed")
)

// DialFunc opens the TCP connection to a relay server.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type Options struct {
	// Local opens the loopback side of each peer bridge.
	Local session.Dialer
	// Dial connects to relay servers; defaults to TCP with keepalive.
	Dial DialFunc

	AllocateTimeout time.Duration
	RequestTimeout  time.Duration
	IdleTimeout     time.Duration
	SessionIdle     time.Duration
	// LocalWriteTimeout bounds each write to a peer's local connection. It must stay below
	// RequestTimeout: the relay reader waits on these writes.
	LocalWriteTimeout time.Duration
	CacheSize         int
	Limiter           *ratelimit.Limiter
}

func (o Options) withDefaults() Options {
	if o.Local == nil {
		o.Local = session.TCPDialer{Addr: DefaultLocalAddr}
	}
	if o.Dial == nil {
		o.Dial = dialTCP
	}
	if o.AllocateTimeout <= 0 {
		o.AllocateTimeout = DefaultAllocateTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = txn.DefaultTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.CacheSize <= 0 {
		o.CacheSize = txn.DefaultCacheSize
	}
	return o
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: 30 * time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}

// Client is one relay connection and the peer sessions bridged through it. A Client is used
// for a single Connect; after it closes, create a new one to reconnect.
type Client struct {
	opts     Options
	txns     *txn.Correlator
	cache    *txn.AddrCache
	sessions *session.Table
	demux    *demux
	halt     *idem.Halter
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	state   State
	server  string
	conn    net.Conn
	allocCh chan proto.Message
	mapped  netip.AddrPort
	relay   netip.AddrPort
	idle    *time.Timer
	err     error

	wmu sync.Mutex
}

func New(opts Options) *Client {
	c := &Client{
		opts: opts.withDefaults(),
		halt: idem.NewHalter(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.txns = txn.New(c.writeMessage, txn.Options{
		Timeout: c.opts.RequestTimeout,
		OnTimeout: func(id proto.TxID, peer netip.AddrPort) {
			c.closeWith(fmt.Errorf("relay: transaction %s to %s: %w", id, peer, txn.ErrTimeout))
		},
	})
	c.cache = txn.NewAddrCache(c.opts.CacheSize)
	c.demux = newDemux(c.onFrame, c.onPeerSTUN)
	c.sessions = session.NewTable(session.Options{
		Dialer:       c.opts.Local,
		Sender:       c,
		IdleTimeout:  c.opts.SessionIdle,
		WriteTimeout: c.opts.LocalWriteTimeout,
		Limiter:      c.opts.Limiter,
		OnClose:      c.demux.release,
	})
	obs.RelayState.Set(float64(Disconnected))
	return c
}

// Connect tries each candidate in order and returns once one of them has allocated. Each
// candidate gets at most AllocateTimeout, all of them together at most ctx.
func (c *Client) Connect(ctx context.Context, candidates []string) error {
	c.mu.Lock()
	switch c.state {
	case Disconnected:
	case Closing, Closed:
		c.mu.Unlock()
		return ErrClosed
	default:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.setState(Connecting)
	c.mu.Unlock()

	if len(candidates) == 0 {
		c.closeWith(ErrNoCandidates)
		return ErrNoCandidates
	}
	var errs []error
	for _, addr := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := c.attempt(ctx, addr)
		if err == nil {
			return nil
		}
		obs.ConnectFailuresTotal.Inc()
		obs.Warn("relay.candidate.failed", obs.Fields{"server": addr, "err": err})
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
		if st := c.State(); st == Closing || st == Closed {
			break
		}
	}
	err := fmt.Errorf("%w: %w", ErrAllCandidatesFailed, errors.Join(errs...))
	c.closeWith(err)
	return err
}

// attempt dials one relay server and waits for its allocation.
func (c *Client) attempt(ctx context.Context, addr string) error {
	actx, cancel := context.WithTimeout(ctx, c.opts.AllocateTimeout)
	defer cancel()

	conn, err := c.opts.Dial(actx, addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	alloc := make(chan proto.Message, 1)
	exited := make(chan error, 1)

	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.server = addr
	c.allocCh = alloc
	c.mu.Unlock()

	go c.readLoop(conn, exited)
	obs.Debug("relay.allocate.request", obs.Fields{"server": addr})
	if err = c.writeMessage(proto.NewAllocateRequest()); err == nil {
		c.mu.Lock()
		if c.state == Connecting {
			c.setState(AwaitingAllocate)
		}
		c.mu.Unlock()

		select {
		case m := <-alloc:
			switch m := m.(type) {
			case *proto.AllocateSuccess:
				if c.allocated(conn, m) {
					return nil
				}
				err = ErrClosed
			case *proto.AllocateError:
				err = m
			}
		case err = <-exited:
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
		case <-actx.Done():
			err = fmt.Errorf("%w: %w", ErrAllocateTimeout, actx.Err())
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.allocCh = nil
	}
	if c.state == AwaitingAllocate {
		c.setState(Connecting)
	}
	c.mu.Unlock()
	_ = conn.Close()
	return err
}

// allocated records the first Allocate Success on conn.
func (c *Client) allocated(conn net.Conn, m *proto.AllocateSuccess) bool {
	c.mu.Lock()
	if c.conn != conn || (c.state != AwaitingAllocate && c.state != Connecting) {
		c.mu.Unlock()
		return false
	}
	c.mapped = m.Mapped
	c.relay = m.Relay
	c.allocCh = nil
	c.setState(Allocated)
	server := c.server
	c.mu.Unlock()
	obs.AllocationsTotal.Inc()
	obs.Info("relay.allocate.ok", obs.Fields{"server": server, "mapped": m.Mapped.String(), "relay": m.Relay.String()})
	return true
}

// setState must be called with c.mu held.
func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	obs.Debug("relay.state", obs.Fields{"from": c.state.String(), "to": s.String()})
	c.state = s
	obs.RelayState.Set(float64(s))
}

func (c *Client) readLoop(conn net.Conn, exited chan<- error) {
	err := c.read(conn)
	exited <- err

	c.mu.Lock()
	live := c.conn == conn && c.state == Allocated
	c.mu.Unlock()
	if live {
		obs.Warn("relay.read.error", obs.Fields{"err": err})
		c.closeWith(fmt.Errorf("relay: read: %w", err))
	}
}

// read decodes messages from conn until it fails. A body that does not decode is dropped;
// a header without the STUN cookie means the stream is out of sync and ends the loop.
func (c *Client) read(conn net.Conn) error {
	rd := bufio.NewReaderSize(conn, readBufferSize)
	hdr := make([]byte, proto.HeaderSize)
	for {
		if _, err := io.ReadFull(rd, hdr); err != nil {
			return err
		}
		if !frame.IsSTUN(hdr) {
			obs.ErrorsTotal.WithLabelValues("relay_desync").Inc()
			return fmt.Errorf("%w: bad header %x", proto.ErrNotSTUN, hdr)
		}
		buf := make([]byte, proto.MessageLength(hdr))
		copy(buf, hdr)
		if _, err := io.ReadFull(rd, buf[proto.HeaderSize:]); err != nil {
			return err
		}
		m, err := proto.Decode(buf)
		if err != nil {
			obs.DecodeErrorsTotal.Inc()
			obs.Warn("relay.decode.error", obs.Fields{"err": err, "len": len(buf)})
			continue
		}
		c.dispatch(m)
		c.demux.sweep()
	}
}

func (c *Client) dispatch(m proto.Message) {
	switch m := m.(type) {
	case *proto.AllocateSuccess:
		c.mu.Lock()
		st, ch := c.state, c.allocCh
		c.mu.Unlock()
		if st == Allocated {
			obs.Debug("relay.allocate.keepalive", obs.Fields{"mapped": m.Mapped.String()})
			return
		}
		deliver(ch, m)
	case *proto.AllocateError:
		c.mu.Lock()
		st, ch := c.state, c.allocCh
		c.mu.Unlock()
		if st == Allocated {
			obs.Error("relay.allocate.error", obs.Fields{"code": m.Code, "reason": m.Reason})
			c.closeWith(m)
			return
		}
		deliver(ch, m)
	case *proto.SendSuccess, *proto.ConnectSuccess, *proto.ConnectError:
		c.txns.Resolve(m.Tx(), m)
	case *proto.SendError:
		obs.SendErrorsTotal.Inc()
		peer, ok := c.txns.Resolve(m.Tx(), m)
		if ok && peer.IsValid() {
			obs.Warn("relay.send.error", obs.Fields{"peer": peer.String(), "code": m.Code, "reason": m.Reason})
			c.dropPeer(peer)
		}
	case *proto.DataIndication:
		c.demux.feed(m.Peer, m.Data)
	case *proto.ConnectionStatusIndication:
		c.onConnectionStatus(m)
	default:
		obs.Debug("relay.message.ignored", obs.Fields{"type": fmt.Sprintf("%T", m)})
	}
}

func deliver(ch chan proto.Message, m proto.Message) {
	if ch == nil {
		obs.Debug("relay.allocate.unsolicited", obs.Fields{"type": fmt.Sprintf("%T", m)})
		return
	}
	select {
	case ch <- m:
	default:
	}
}

func (c *Client) onConnectionStatus(m *proto.ConnectionStatusIndication) {
	obs.Info("relay.peer.status", obs.Fields{"peer": m.Peer.String(), "status": m.Status.String()})
	switch m.Status {
	case proto.StatusClosed:
		c.dropPeer(m.Peer)
	case proto.StatusEstablished:
		if _, err := c.openSession(m.Peer); err != nil {
			obs.Warn("relay.peer.open.error", obs.Fields{"peer": m.Peer.String(), "err": err})
		}
	}
}

// dropPeer closes the peer's bridge and forgets its stream state.
func (c *Client) dropPeer(peer netip.AddrPort) {
	c.sessions.Remove(peer)
	c.demux.forget(peer)
}

func (c *Client) openSession(peer netip.AddrPort) (*session.Session, error) {
	s, created, err := c.sessions.GetOrCreate(c.ctx, peer)
	if err != nil {
		return nil, err
	}
	if created {
		c.armIdle()
	}
	return s, nil
}

// onFrame delivers one reassembled frame to the peer's local bridge.
func (c *Client) onFrame(peer netip.AddrPort, payload []byte) {
	s, err := c.openSession(peer)
	if err != nil {
		obs.Warn("relay.data.dropped", obs.Fields{"peer": peer.String(), "bytes": len(payload), "err": err})
		return
	}
	_, _ = s.Write(payload)
}

// writeMessage encodes m and writes it as one unit on the relay connection.
func (c *Client) writeMessage(m proto.Message) error {
	b, err := proto.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn, st := c.conn, c.state
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	c.wmu.Lock()
	_, err = conn.Write(b)
	c.wmu.Unlock()
	if err != nil {
		if st == Allocated {
			c.closeWith(fmt.Errorf("relay: write: %w", err))
		}
		return err
	}
	c.touchIdle()
	return nil
}

// armIdle starts the write idle timer the first time a session is opened.
func (c *Client) armIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idle != nil || c.state != Allocated {
		return
	}
	c.idle = time.AfterFunc(c.opts.IdleTimeout, func() {
		obs.Info("relay.idle", obs.Fields{"after": c.opts.IdleTimeout.String()})
		c.closeWith(ErrIdle)
	})
}

func (c *Client) touchIdle() {
	c.mu.Lock()
	if c.idle != nil {
		c.idle.Reset(c.opts.IdleTimeout)
	}
	c.mu.Unlock()
}

// Close shuts the relay connection and every session. It is idempotent.
func (c *Client) Close() error {
	c.closeWith(ErrClosed)
	return nil
}

func (c *Client) closeWith(reason error) {
	c.mu.Lock()
	if c.state == Closing || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.setState(Closing)
	c.err = reason
	conn, idle, server := c.conn, c.idle, c.server
	c.mu.Unlock()

	c.halt.ReqStop.Close()
	if idle != nil {
		idle.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.cancel()
	c.txns.Close(reason)
	c.sessions.CloseAll()

	c.mu.Lock()
	c.setState(Closed)
	c.mu.Unlock()
	if errors.Is(reason, ErrClosed) {
		obs.Info("relay.closed", obs.Fields{"server": server})
	} else {
		obs.Warn("relay.closed", obs.Fields{"server": server, "err": reason})
	}
	c.halt.Done.Close()
}

// Done is closed once the client has fully shut down.
func (c *Client) Done() <-chan struct{} { return c.halt.Done.Chan }

// Err reports why the client closed, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MappedAddress is the server reflexive address reported by the allocation.
func (c *Client) MappedAddress() (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapped, c.state == Allocated
}

// RelayAddress is the public address peers use to reach this client.
func (c *Client) RelayAddress() (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relay, c.state == Allocated
}

// Server is the relay server of the current or last connection attempt.
func (c *Client) Server() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Session returns the live bridge for peer, if any.
func (c *Client) Session(peer netip.AddrPort) *session.Session { return c.sessions.Get(peer) }

// Stats is a snapshot for the state endpoint.
type Stats struct {
	State     State          `json:"state"`
	Server    string         `json:"server,omitempty"`
	Mapped    string         `json:"mapped,omitempty"`
	Relay     string         `json:"relay,omitempty"`
	Sessions  []session.Info `json:"sessions"`
	PendingTx int            `json:"pending_tx"`
	CachedTx  int            `json:"cached_tx"`
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	st := Stats{State: c.state, Server: c.server}
	if c.state == Allocated {
		st.Mapped, st.Relay = c.mapped.String(), c.relay.String()
	}
	c.mu.Unlock()
	st.Sessions = c.sessions.Snapshot()
	st.PendingTx = c.txns.Pending()
	st.CachedTx = c.cache.Len()
	return st
}
