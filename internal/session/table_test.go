package session

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/matst80/turnbridge/internal/ratelimit"
)

var (
	peerP = netip.MustParseAddrPort("198.51.100.7:40000")
	peerQ = netip.MustParseAddrPort("198.51.100.8:40001")
)

type sent struct {
	peer netip.AddrPort
	data []byte
}

type recordingSender struct {
	ch  chan sent
	err error
}

func (r *recordingSender) SendTo(ctx context.Context, peer netip.AddrPort, p []byte) error {
	if r.err != nil {
		return r.err
	}
	r.ch <- sent{peer, append([]byte(nil), p...)}
	return nil
}

// pipeDialer hands out one end of a net.Pipe per dial and keeps the other end as the
// loopback application side.
type pipeDialer struct {
	mu    sync.Mutex
	dials atomic.Int32
	apps  []net.Conn
	delay time.Duration
}

func (d *pipeDialer) DialContext(ctx context.Context) (net.Conn, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	bridge, app := net.Pipe()
	d.mu.Lock()
	d.apps = append(d.apps, app)
	d.mu.Unlock()
	return bridge, nil
}

func (d *pipeDialer) app(i int) net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apps[i]
}

func TestGetOrCreateUnique(t *testing.T) {
	cv.Convey("concurrent GetOrCreate for one peer dials once and shares the session", t, func() {
		d := &pipeDialer{delay: 50 * time.Millisecond}
		tab := NewTable(Options{Dialer: d, Sender: &recordingSender{ch: make(chan sent, 1)}})
		defer tab.CloseAll()

		const callers = 16
		var wg sync.WaitGroup
		got := make([]*Session, callers)
		var created atomic.Int32
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, c, err := tab.GetOrCreate(context.Background(), peerP)
				if err != nil {
					t.Error(err)
					return
				}
				if c {
					created.Add(1)
				}
				got[i] = s
			}(i)
		}
		wg.Wait()
		cv.So(d.dials.Load(), cv.ShouldEqual, 1)
		cv.So(created.Load(), cv.ShouldEqual, 1)
		for i := 1; i < callers; i++ {
			cv.So(got[i] == got[0], cv.ShouldBeTrue)
		}
		cv.So(len(tab.Snapshot()), cv.ShouldEqual, 1)
	})
}

func TestSessionBridgesBothWays(t *testing.T) {
	cv.Convey("peer bytes reach the local app and local reads reach the sender", t, func() {
		d := &pipeDialer{}
		snd := &recordingSender{ch: make(chan sent, 4)}
		tab := NewTable(Options{Dialer: d, Sender: snd})
		defer tab.CloseAll()

		s, created, err := tab.GetOrCreate(context.Background(), peerP)
		cv.So(err, cv.ShouldBeNil)
		cv.So(created, cv.ShouldBeTrue)

		app := d.app(0)
		go s.Write([]byte("GET /test HTTP/1.1\r\n"))
		buf := make([]byte, 64)
		n, err := app.Read(buf)
		cv.So(err, cv.ShouldBeNil)
		cv.So(string(buf[:n]), cv.ShouldEqual, "GET /test HTTP/1.1\r\n")

		_, err = app.Write([]byte("HTTP/1.1 200 OK\r\n"))
		cv.So(err, cv.ShouldBeNil)
		out := <-snd.ch
		cv.So(out.peer, cv.ShouldResemble, peerP)
		cv.So(string(out.data), cv.ShouldEqual, "HTTP/1.1 200 OK\r\n")
	})
}

func TestCloseIsIdempotentFromBothSides(t *testing.T) {
	d := &pipeDialer{}
	tab := NewTable(Options{Dialer: d, Sender: &recordingSender{ch: make(chan sent, 1)}})
	defer tab.CloseAll()

	p, _, err := tab.GetOrCreate(context.Background(), peerP)
	if err != nil {
		t.Fatal(err)
	}
	q, _, err := tab.GetOrCreate(context.Background(), peerQ)
	if err != nil {
		t.Fatal(err)
	}

	// Local app hangs up on P.
	d.app(0).Close()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after the local side hung up")
	}
	if tab.Remove(peerP) {
		t.Fatal("removed session still registered")
	}
	p.Close()

	if !tab.Remove(peerQ) {
		t.Fatal("expected Q to be removed")
	}
	if !q.Closed() || len(tab.Snapshot()) != 0 {
		t.Fatalf("Q closed=%v len=%d", q.Closed(), len(tab.Snapshot()))
	}
	if _, err := io.ReadAll(d.app(1)); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("unexpected read error %v", err)
	}
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	d := &pipeDialer{}
	tab := NewTable(Options{Dialer: d, Sender: &recordingSender{ch: make(chan sent, 1)}, IdleTimeout: 80 * time.Millisecond})
	defer tab.CloseAll()
	s, _, err := tab.GetOrCreate(context.Background(), peerP)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session stayed open")
	}
	if tab.Get(peerP) != nil {
		t.Fatal("idle session still registered")
	}
}

func TestDialFailureIsContained(t *testing.T) {
	boom := errors.New("connection refused")
	var calls atomic.Int32
	dialer := DialerFunc(func(ctx context.Context) (net.Conn, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		c, _ := net.Pipe()
		return c, nil
	})
	tab := NewTable(Options{Dialer: dialer, Sender: &recordingSender{ch: make(chan sent, 1)}})
	defer tab.CloseAll()

	if _, _, err := tab.GetOrCreate(context.Background(), peerP); !errors.Is(err, boom) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if len(tab.Snapshot()) != 0 {
		t.Fatal("failed dial registered a session")
	}
	if _, _, err := tab.GetOrCreate(context.Background(), peerP); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestRateLimitedCreation(t *testing.T) {
	tab := NewTable(Options{
		Dialer:  &pipeDialer{},
		Sender:  &recordingSender{ch: make(chan sent, 1)},
		Limiter: ratelimit.NewLimiter(0, 0.001, 1),
	})
	defer tab.CloseAll()
	s, _, err := tab.GetOrCreate(context.Background(), peerP)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	if _, _, err := tab.GetOrCreate(context.Background(), peerP); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestCloseAllRefusesNewSessions(t *testing.T) {
	tab := NewTable(Options{Dialer: &pipeDialer{}, Sender: &recordingSender{ch: make(chan sent, 1)}})
	s, _, err := tab.GetOrCreate(context.Background(), peerP)
	if err != nil {
		t.Fatal(err)
	}
	tab.CloseAll()
	if !s.Closed() {
		t.Fatal("CloseAll left a session open")
	}
	if _, _, err := tab.GetOrCreate(context.Background(), peerQ); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestStalledLocalWriteClosesSession(t *testing.T) {
	closed := make(chan netip.AddrPort, 1)
	tab := NewTable(Options{
		Dialer:       &pipeDialer{},
		Sender:       &recordingSender{ch: make(chan sent, 1)},
		WriteTimeout: 100 * time.Millisecond,
		OnClose:      func(p netip.AddrPort) { closed <- p },
	})
	defer tab.CloseAll()
	s, _, err := tab.GetOrCreate(context.Background(), peerP)
	if err != nil {
		t.Fatal(err)
	}

	// Nobody reads the application end of the pipe.
	start := time.Now()
	if _, err := s.Write([]byte("stuck")); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Fatalf("write blocked for %s", waited)
	}
	if !s.Closed() || len(tab.Snapshot()) != 0 {
		t.Fatalf("stalled session still registered: closed=%v", s.Closed())
	}
	select {
	case p := <-closed:
		if p != peerP {
			t.Fatalf("OnClose got %s", p)
		}
	case <-time.After(time.Second):
		t.Fatal("OnClose not called")
	}
	s.Close()
	select {
	case p := <-closed:
		t.Fatalf("OnClose ran twice for %s", p)
	default:
	}
}

func TestMissingDialerIsAnError(t *testing.T) {
	tab := NewTable(Options{Sender: &recordingSender{ch: make(chan sent, 1)}})
	defer tab.CloseAll()
	if _, _, err := tab.GetOrCreate(context.Background(), peerP); !errors.Is(err, ErrNoDialer) {
		t.Fatalf("expected ErrNoDialer, got %v", err)
	}
}
