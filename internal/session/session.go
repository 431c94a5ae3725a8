package session

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/matst80/turnbridge/internal/obs"
)

// Session bridges one remote peer to its local connection.
type Session struct {
	Peer    netip.AddrPort
	Created time.Time

	table  *Table
	conn   net.Conn
	halt   *idem.Halter
	ctx    context.Context
	cancel context.CancelFunc

	idle      *time.Timer
	closeOnce sync.Once
	writeMu   sync.Mutex
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
}

func newSession(t *Table, peer netip.AddrPort, conn net.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Peer:    peer,
		Created: time.Now(),
		table:   t,
		conn:    conn,
		halt:    idem.NewHalter(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.idle = time.AfterFunc(t.opts.IdleTimeout, func() {
		obs.Info("session.idle", obs.Fields{"peer": peer.String(), "after": t.opts.IdleTimeout.String()})
		s.Close()
	})
	return s
}

func (s *Session) start() { go s.readLoop() }

// touch pushes the idle deadline out.
func (s *Session) touch() { s.idle.Reset(s.table.opts.IdleTimeout) }

// Write delivers peer bytes to the local connection. A write that does not complete within
// the table's WriteTimeout closes the session.
func (s *Session) Write(p []byte) (int, error) {
	if s.halt.ReqStop.IsClosed() {
		return 0, net.ErrClosed
	}
	s.touch()
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.table.opts.WriteTimeout))
	n, err := s.conn.Write(p)
	s.writeMu.Unlock()
	s.bytesIn.Add(int64(n))
	obs.BytesTotal.WithLabelValues("in").Add(float64(n))
	if err != nil {
		obs.Warn("session.write.error", obs.Fields{"peer": s.Peer.String(), "err": err})
		s.Close()
	}
	return n, err
}

// readLoop forwards local reads to the peer. Each read is handed to the Sender whole and
// the next read starts only after it returns, so one session never has two sends in flight.
func (s *Session) readLoop() {
	defer s.Close()
	buf := make([]byte, s.table.opts.ReadSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.touch()
			if serr := s.table.opts.Sender.SendTo(s.ctx, s.Peer, buf[:n]); serr != nil {
				if !s.halt.ReqStop.IsClosed() {
					obs.Warn("session.send.error", obs.Fields{"peer": s.Peer.String(), "err": serr})
				}
				return
			}
			s.bytesOut.Add(int64(n))
			obs.BytesTotal.WithLabelValues("out").Add(float64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.halt.ReqStop.IsClosed() {
				obs.Debug("session.read.error", obs.Fields{"peer": s.Peer.String(), "err": err})
			}
			return
		}
	}
}

// Close shuts the local connection and deregisters the session. It is safe to call more than
// once and from any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.halt.ReqStop.Close()
		s.cancel()
		s.idle.Stop()
		err = s.conn.Close()
		s.table.forget(s)
		obs.SessionDurationSeconds.Observe(time.Since(s.Created).Seconds())
		obs.Info("session.close", obs.Fields{"peer": s.Peer.String(), "bytes_in": s.bytesIn.Load(), "bytes_out": s.bytesOut.Load()})
		if s.table.opts.OnClose != nil {
			s.table.opts.OnClose(s.Peer)
		}
		s.halt.Done.Close()
	})
	return err
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.halt.Done.Chan }

func (s *Session) Closed() bool { return s.halt.ReqStop.IsClosed() }

func (s *Session) info() Info {
	return Info{Peer: s.Peer.String(), Created: s.Created, BytesIn: s.bytesIn.Load(), BytesOut: s.bytesOut.Load()}
}
