package relay

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/matst80/turnbridge/internal/frame"
	"github.com/matst80/turnbridge/internal/proto"
	"github.com/matst80/turnbridge/internal/relaytest"
	"github.com/matst80/turnbridge/internal/session"
	"github.com/matst80/turnbridge/internal/txn"
)

var (
	mappedM   = netip.MustParseAddrPort("192.0.2.10:61000")
	relayedR  = netip.MustParseAddrPort("203.0.113.1:50000")
	peerP     = netip.MustParseAddrPort("198.51.100.7:40000")
	peerQ     = netip.MustParseAddrPort("198.51.100.8:40001")
	ioTimeout = 5 * time.Second
)

type harness struct {
	srv    *relaytest.Server
	relay  *relaytest.Conn
	app    *net.TCPListener
	client *Client
}

// newHarness starts a relay and a loopback app and returns an allocated client.
func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := startHarness(t, opts)
	errCh := make(chan error, 1)
	go func() { errCh <- h.client.Connect(context.Background(), []string{h.srv.Addr()}) }()
	rc, err := h.srv.Accept(ioTimeout)
	if err != nil {
		t.Fatal(err)
	}
	h.relay = rc
	t.Cleanup(func() { rc.Close() })
	if err := rc.Allocate(mappedM, relayedR); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("connect: %v", err)
	}
	return h
}

// startHarness prepares relay, app and an unconnected client.
func startHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	srv, err := relaytest.Start()
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	opts.Local = session.TCPDialer{Addr: ln.Addr().String()}
	h := &harness{srv: srv, app: ln.(*net.TCPListener), client: New(opts)}
	t.Cleanup(func() {
		h.client.Close()
		ln.Close()
		srv.Close()
	})
	return h
}

func (h *harness) acceptApp(t *testing.T) net.Conn {
	t.Helper()
	_ = h.app.SetDeadline(time.Now().Add(ioTimeout))
	c, err := h.app.Accept()
	if err != nil {
		t.Fatalf("app accept: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_ = c.SetReadDeadline(time.Now().Add(ioTimeout))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(ioTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestHappyPath(t *testing.T) {
	cv.Convey("given an allocated client", t, func() {
		h := newHarness(t, Options{})
		cv.So(h.client.State(), cv.ShouldEqual, Allocated)
		mapped, ok := h.client.MappedAddress()
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(mapped, cv.ShouldResemble, mappedM)

		cv.Convey("peer data reaches the loopback app and the reply goes back to the peer", func() {
			req := "GET /test HTTP/1.1\r\n"
			cv.So(h.relay.SendData(peerP, []byte(req)), cv.ShouldBeNil)
			app := h.acceptApp(t)
			cv.So(string(readN(t, app, len(req))), cv.ShouldEqual, req)
			cv.So(h.client.Session(peerP) != nil, cv.ShouldBeTrue)

			_, err := app.Write([]byte("HTTP/1.1 200 OK\r\n"))
			cv.So(err, cv.ShouldBeNil)
			send, payload, err := h.relay.ExpectSend(ioTimeout)
			cv.So(err, cv.ShouldBeNil)
			cv.So(send.Peer, cv.ShouldResemble, peerP)
			cv.So(string(payload), cv.ShouldEqual, "HTTP/1.1 200 OK\r\n")
			cv.So(h.relay.Ack(send), cv.ShouldBeNil)
		})
	})
}

func TestOversizedPayload(t *testing.T) {
	h := newHarness(t, Options{})
	size := 10*0xFFFF + 1
	data := make([]byte, size)
	rand.New(rand.NewSource(3)).Read(data)

	done := make(chan error, 1)
	go func() { done <- h.client.SendTo(context.Background(), peerP, data) }()

	var got []byte
	chunks := 0
	for len(got) < size {
		req, payload, err := h.relay.ExpectSend(ioTimeout)
		if err != nil {
			t.Fatal(err)
		}
		if len(payload) > frame.MaxChunk {
			t.Fatalf("chunk of %d bytes exceeds %d", len(payload), frame.MaxChunk)
		}
		got = append(got, payload...)
		chunks++
		if err := h.relay.Ack(req); err != nil {
			t.Fatal(err)
		}
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if want := (size + frame.MaxChunk - 1) / frame.MaxChunk; chunks != want {
		t.Fatalf("got %d chunks, want %d", chunks, want)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reassembled payload differs")
	}
}

func TestSendErrorClosesOnlyThatPeer(t *testing.T) {
	cv.Convey("a send error for P closes P's bridge and leaves Q alone", t, func() {
		h := newHarness(t, Options{})
		cv.So(h.relay.SendData(peerP, []byte("p")), cv.ShouldBeNil)
		appP := h.acceptApp(t)
		readN(t, appP, 1)
		cv.So(h.relay.SendData(peerQ, []byte("q")), cv.ShouldBeNil)
		appQ := h.acceptApp(t)
		readN(t, appQ, 1)

		_, err := appP.Write([]byte("reply"))
		cv.So(err, cv.ShouldBeNil)
		req, _, err := h.relay.ExpectSend(ioTimeout)
		cv.So(err, cv.ShouldBeNil)
		cv.So(req.Peer, cv.ShouldResemble, peerP)
		cv.So(h.relay.WriteMessage(&proto.SendError{Header: proto.Header{ID: req.Tx()}, Code: 437, Reason: "peer gone"}), cv.ShouldBeNil)

		cv.So(eventually(func() bool { return h.client.Session(peerP) == nil }), cv.ShouldBeTrue)
		_ = appP.SetReadDeadline(time.Now().Add(ioTimeout))
		_, err = appP.Read(make([]byte, 1))
		cv.So(err, cv.ShouldEqual, io.EOF)

		q := h.client.Session(peerQ)
		cv.So(q != nil, cv.ShouldBeTrue)
		cv.So(q.Closed(), cv.ShouldBeFalse)
		cv.So(h.client.State(), cv.ShouldEqual, Allocated)
	})
}

func TestConnectionStatus(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.relay.WriteMessage(&proto.ConnectionStatusIndication{Header: proto.Header{ID: proto.NewTxID()}, Peer: peerQ, Status: proto.StatusEstablished}); err != nil {
		t.Fatal(err)
	}
	h.acceptApp(t)
	if !eventually(func() bool { return h.client.Session(peerQ) != nil }) {
		t.Fatal("established status did not open a bridge")
	}
	if err := h.relay.WriteMessage(&proto.ConnectionStatusIndication{Header: proto.Header{ID: proto.NewTxID()}, Peer: peerQ, Status: proto.StatusClosed}); err != nil {
		t.Fatal(err)
	}
	if !eventually(func() bool { return h.client.Session(peerQ) == nil }) {
		t.Fatal("closed status left the bridge open")
	}
	// A second close is harmless.
	if err := h.relay.WriteMessage(&proto.ConnectionStatusIndication{Header: proto.Header{ID: proto.NewTxID()}, Peer: peerQ, Status: proto.StatusClosed}); err != nil {
		t.Fatal(err)
	}
}

func TestEmbeddedBindingRequest(t *testing.T) {
	cv.Convey("a binding request inside a peer stream is answered to that peer", t, func() {
		h := newHarness(t, Options{})
		bind := &proto.BindingRequest{Header: proto.Header{ID: proto.NewTxID()}}
		raw, err := proto.Encode(bind)
		cv.So(err, cv.ShouldBeNil)
		cv.So(h.relay.SendRaw(peerP, raw), cv.ShouldBeNil)

		m, err := h.relay.ReadTimeout(ioTimeout)
		cv.So(err, cv.ShouldBeNil)
		ind, ok := m.(*proto.SendIndication)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(ind.Peer, cv.ShouldResemble, peerP)

		resp, err := proto.Decode(ind.Data)
		cv.So(err, cv.ShouldBeNil)
		bs, ok := resp.(*proto.BindingSuccess)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(bs.Mapped, cv.ShouldResemble, peerP)
		cv.So(bs.Tx(), cv.ShouldResemble, bind.Tx())
		cv.So(h.client.Session(peerP) == nil, cv.ShouldBeTrue)
	})
}

func TestAllocateKeepaliveIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	other := netip.MustParseAddrPort("192.0.2.99:1")
	if err := h.relay.WriteMessage(&proto.AllocateSuccess{Header: proto.Header{ID: proto.NewTxID()}, Mapped: other, Relay: other}); err != nil {
		t.Fatal(err)
	}
	// The binding round trip orders after the keepalive on the reader.
	raw, _ := proto.Encode(&proto.BindingRequest{Header: proto.Header{ID: proto.NewTxID()}})
	if err := h.relay.SendRaw(peerP, raw); err != nil {
		t.Fatal(err)
	}
	if _, err := h.relay.ReadTimeout(ioTimeout); err != nil {
		t.Fatal(err)
	}
	if h.client.State() != Allocated {
		t.Fatalf("state %s", h.client.State())
	}
	if m, _ := h.client.MappedAddress(); m != mappedM {
		t.Fatalf("mapped address changed to %s", m)
	}
}

func TestPeerDecodeErrorIsContained(t *testing.T) {
	h := newHarness(t, Options{})
	bad := make([]byte, 24)
	binary.BigEndian.PutUint16(bad[0:2], 0x0001)
	binary.BigEndian.PutUint16(bad[2:4], 4)
	binary.BigEndian.PutUint32(bad[4:8], 0x2112A442)
	binary.BigEndian.PutUint16(bad[20:22], 0x0020)
	binary.BigEndian.PutUint16(bad[22:24], 100)
	if err := h.relay.SendRaw(peerP, bad); err != nil {
		t.Fatal(err)
	}
	if err := h.relay.SendData(peerP, []byte("after")); err != nil {
		t.Fatal(err)
	}
	app := h.acceptApp(t)
	if got := string(readN(t, app, 5)); got != "after" {
		t.Fatalf("got %q", got)
	}
	if h.client.State() != Allocated {
		t.Fatalf("state %s", h.client.State())
	}
}

func TestConnectFailures(t *testing.T) {
	cv.Convey("connect", t, func() {
		cv.Convey("reports allocate errors and ends closed", func() {
			h := startHarness(t, Options{})
			errCh := make(chan error, 1)
			go func() { errCh <- h.client.Connect(context.Background(), []string{h.srv.Addr()}) }()
			rc, err := h.srv.Accept(ioTimeout)
			cv.So(err, cv.ShouldBeNil)
			defer rc.Close()
			m, err := rc.ReadTimeout(ioTimeout)
			cv.So(err, cv.ShouldBeNil)
			cv.So(rc.WriteMessage(&proto.AllocateError{Header: proto.Header{ID: m.Tx()}, Code: 486, Reason: "quota"}), cv.ShouldBeNil)

			err = <-errCh
			cv.So(errors.Is(err, ErrAllCandidatesFailed), cv.ShouldBeTrue)
			var ae *proto.AllocateError
			cv.So(errors.As(err, &ae), cv.ShouldBeTrue)
			cv.So(ae.Code, cv.ShouldEqual, 486)
			cv.So(h.client.State(), cv.ShouldEqual, Closed)
			cv.So(errors.Is(h.client.Connect(context.Background(), []string{h.srv.Addr()}), ErrClosed), cv.ShouldBeTrue)
		})

		cv.Convey("falls through to the next candidate", func() {
			dead, err := net.Listen("tcp", "127.0.0.1:0")
			cv.So(err, cv.ShouldBeNil)
			deadAddr := dead.Addr().String()
			dead.Close()

			h := startHarness(t, Options{})
			errCh := make(chan error, 1)
			go func() { errCh <- h.client.Connect(context.Background(), []string{deadAddr, h.srv.Addr()}) }()
			rc, err := h.srv.Accept(ioTimeout)
			cv.So(err, cv.ShouldBeNil)
			defer rc.Close()
			cv.So(rc.Allocate(mappedM, relayedR), cv.ShouldBeNil)
			cv.So(<-errCh, cv.ShouldBeNil)
			cv.So(h.client.Server(), cv.ShouldEqual, h.srv.Addr())
		})

		cv.Convey("gives up on a silent server after the allocate timeout", func() {
			h := startHarness(t, Options{AllocateTimeout: 200 * time.Millisecond})
			errCh := make(chan error, 1)
			go func() { errCh <- h.client.Connect(context.Background(), []string{h.srv.Addr()}) }()
			rc, err := h.srv.Accept(ioTimeout)
			cv.So(err, cv.ShouldBeNil)
			defer rc.Close()
			err = <-errCh
			cv.So(errors.Is(err, ErrAllocateTimeout), cv.ShouldBeTrue)
			cv.So(h.client.State(), cv.ShouldEqual, Closed)
		})

		cv.Convey("fails fast when already connected", func() {
			h := newHarness(t, Options{})
			err := h.client.Connect(context.Background(), []string{h.srv.Addr()})
			cv.So(errors.Is(err, ErrAlreadyConnected), cv.ShouldBeTrue)
		})

		cv.Convey("rejects an empty candidate list", func() {
			c := New(Options{})
			cv.So(errors.Is(c.Connect(context.Background(), nil), ErrNoCandidates), cv.ShouldBeTrue)
			cv.So(c.State(), cv.ShouldEqual, Closed)
		})
	})
}

func TestIdleRelayClosesItself(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: 150 * time.Millisecond})
	if err := h.relay.SendData(peerP, []byte("x")); err != nil {
		t.Fatal(err)
	}
	app := h.acceptApp(t)
	readN(t, app, 1)
	select {
	case <-h.client.Done():
	case <-time.After(ioTimeout):
		t.Fatal("idle relay connection stayed open")
	}
	if !errors.Is(h.client.Err(), ErrIdle) {
		t.Fatalf("close reason %v", h.client.Err())
	}
	if h.client.Session(peerP) != nil {
		t.Fatal("session survived relay close")
	}
}

func TestTransactionTimeoutClosesRelay(t *testing.T) {
	h := newHarness(t, Options{RequestTimeout: 150 * time.Millisecond})
	err := h.client.SendTo(context.Background(), peerP, []byte("unanswered"))
	if !errors.Is(err, txn.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	select {
	case <-h.client.Done():
	case <-time.After(ioTimeout):
		t.Fatal("relay stayed open after a transaction timeout")
	}
	if h.client.State() != Closed {
		t.Fatalf("state %s", h.client.State())
	}
	if err := h.client.SendTo(context.Background(), peerP, []byte("x")); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestOpenPeer(t *testing.T) {
	h := newHarness(t, Options{})
	done := make(chan error, 1)
	go func() { done <- h.client.OpenPeer(context.Background(), peerQ) }()
	m, err := h.relay.ReadTimeout(ioTimeout)
	if err != nil {
		t.Fatal(err)
	}
	req, ok := m.(*proto.ConnectRequest)
	if !ok || req.Peer != peerQ {
		t.Fatalf("unexpected %T %+v", m, m)
	}
	if err := h.relay.WriteMessage(&proto.ConnectSuccess{Header: proto.Header{ID: req.Tx()}}); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func sessionBytesOut(c *Client, peer netip.AddrPort) int64 {
	for _, info := range c.Stats().Sessions {
		if info.Peer == peer.String() {
			return info.BytesOut
		}
	}
	return -1
}

func TestStalledLocalAppDoesNotStallOtherPeers(t *testing.T) {
	cv.Convey("a peer whose local app stops reading loses only its own bridge", t, func() {
		h := newHarness(t, Options{LocalWriteTimeout: 100 * time.Millisecond, RequestTimeout: 10 * time.Second})

		cv.So(h.relay.SendData(peerQ, []byte("q")), cv.ShouldBeNil)
		appQ := h.acceptApp(t)
		readN(t, appQ, 1)
		cv.So(h.relay.SendData(peerP, []byte("p")), cv.ShouldBeNil)
		appP := h.acceptApp(t)
		readN(t, appP, 1)

		// appP never reads again; flood it well past the socket buffers.
		go func() {
			chunk := bytes.Repeat([]byte{'x'}, 60000)
			for i := 0; i < 400; i++ {
				if h.relay.SendData(peerP, chunk) != nil {
					return
				}
			}
		}()

		_, err := appQ.Write([]byte("reply"))
		cv.So(err, cv.ShouldBeNil)
		req, payload, err := h.relay.ExpectSend(ioTimeout)
		cv.So(err, cv.ShouldBeNil)
		cv.So(req.Peer, cv.ShouldResemble, peerQ)
		cv.So(string(payload), cv.ShouldEqual, "reply")
		cv.So(h.relay.Ack(req), cv.ShouldBeNil)

		deadline := time.Now().Add(20 * time.Second)
		for sessionBytesOut(h.client, peerQ) != 5 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		cv.So(sessionBytesOut(h.client, peerQ), cv.ShouldEqual, 5)
		cv.So(h.client.State(), cv.ShouldEqual, Allocated)
		cv.So(h.client.Err(), cv.ShouldBeNil)
	})
}

func TestZeroOptionsDialLocalDefault(t *testing.T) {
	c := New(Options{})
	defer c.Close()
	d, ok := c.opts.Local.(session.TCPDialer)
	if !ok || d.Addr != DefaultLocalAddr {
		t.Fatalf("local dialer %#v", c.opts.Local)
	}
}

func TestLocalCloseReleasesPeerStream(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.relay.SendData(peerP, []byte("p")); err != nil {
		t.Fatal(err)
	}
	appP := h.acceptApp(t)
	readN(t, appP, 1)
	appP.Close()
	if !eventually(func() bool { return h.client.Session(peerP) == nil }) {
		t.Fatal("session survived its local connection closing")
	}

	// Any later relay message lets the reader drop the released stream.
	if err := h.relay.SendData(peerQ, []byte("q")); err != nil {
		t.Fatal(err)
	}
	readN(t, h.acceptApp(t), 1)
	if !eventually(func() bool { return h.client.demux.tracked() == 1 }) {
		t.Fatalf("demux still tracks %d peers", h.client.demux.tracked())
	}
}
