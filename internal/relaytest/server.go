// Package relaytest runs an in-process relay server that tests script message by message.
package relaytest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/matst80/turnbridge/internal/frame"
	"github.com/matst80/turnbridge/internal/obs"
	"github.com/matst80/turnbridge/internal/proto"
)

// Server accepts relay client connections on a loopback port.
type Server struct {
	ln    net.Listener
	conns chan *Conn
	wg    sync.WaitGroup
}

// Start listens on 127.0.0.1 with an ephemeral port.
func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, conns: make(chan *Conn, 8)}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("relaytest.accept.temp", obs.Fields{"err": err})
				continue
			}
			return
		}
		s.conns <- &Conn{Conn: c, rd: bufio.NewReader(c)}
	}
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Accept waits for the next client connection.
func (s *Server) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("relaytest: no client within %s", timeout)
	}
}

func (s *Server) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// Conn is the server side of one client connection.
type Conn struct {
	net.Conn
	rd  *bufio.Reader
	wmu sync.Mutex
}

// ReadMessage reads and decodes the next message from the client.
func (c *Conn) ReadMessage() (proto.Message, error) {
	hdr := make([]byte, proto.HeaderSize)
	if _, err := io.ReadFull(c.rd, hdr); err != nil {
		return nil, err
	}
	buf := make([]byte, proto.MessageLength(hdr))
	copy(buf, hdr)
	if _, err := io.ReadFull(c.rd, buf[proto.HeaderSize:]); err != nil {
		return nil, err
	}
	return proto.Decode(buf)
}

// ReadTimeout is ReadMessage with a deadline.
func (c *Conn) ReadTimeout(d time.Duration) (proto.Message, error) {
	_ = c.SetReadDeadline(time.Now().Add(d))
	defer c.SetReadDeadline(time.Time{})
	return c.ReadMessage()
}

func (c *Conn) WriteMessage(m proto.Message) error {
	b, err := proto.Encode(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.Write(b)
	return err
}

// Allocate answers the client's Allocate Request with a success carrying mapped and relay.
func (c *Conn) Allocate(mapped, relay netip.AddrPort) error {
	m, err := c.ReadTimeout(5 * time.Second)
	if err != nil {
		return err
	}
	req, ok := m.(*proto.AllocateRequest)
	if !ok {
		return fmt.Errorf("relaytest: expected allocate request, got %T", m)
	}
	return c.WriteMessage(&proto.AllocateSuccess{Header: proto.Header{ID: req.Tx()}, Mapped: mapped, Relay: relay})
}

// SendData delivers framed payload from peer to the client in one Data Indication.
func (c *Conn) SendData(peer netip.AddrPort, payload []byte) error {
	f, err := frame.Encode(payload)
	if err != nil {
		return err
	}
	return c.SendRaw(peer, f)
}

// SendRaw delivers b from peer without framing it.
func (c *Conn) SendRaw(peer netip.AddrPort, b []byte) error {
	return c.WriteMessage(&proto.DataIndication{Header: proto.Header{ID: proto.NewTxID()}, Peer: peer, Data: b})
}

// ExpectSend reads the next message, which must be a Send Request, and returns it with the
// unframed payload.
func (c *Conn) ExpectSend(timeout time.Duration) (*proto.SendRequest, []byte, error) {
	m, err := c.ReadTimeout(timeout)
	if err != nil {
		return nil, nil, err
	}
	req, ok := m.(*proto.SendRequest)
	if !ok {
		return nil, nil, fmt.Errorf("relaytest: expected send request, got %T", m)
	}
	var d frame.Decoder
	d.Write(req.Data)
	u, ok := d.Next()
	if !ok || u.Kind != frame.KindFrame || d.Buffered() != 0 {
		return nil, nil, fmt.Errorf("relaytest: send request does not hold exactly one frame")
	}
	return req, u.Data, nil
}

// Ack answers a Send Request with success.
func (c *Conn) Ack(req proto.Message) error {
	return c.WriteMessage(&proto.SendSuccess{Header: proto.Header{ID: req.Tx()}})
}
