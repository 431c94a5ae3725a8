// Package txn correlates relay requests with their responses by transaction ID.
package txn

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/matst80/turnbridge/internal/obs"
	"github.com/matst80/turnbridge/internal/proto"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrTimeout = errors.New("txn: response timeout")
	ErrClosed  = errors.New("txn: correlator closed")
)

// WriteFunc sends a request on the shared connection.
type WriteFunc func(proto.Message) error

type Options struct {
	Timeout time.Duration
	// OnTimeout runs after a transaction has been failed for lack of a response.
	OnTimeout func(id proto.TxID, peer netip.AddrPort)
}

type pending struct {
	peer    netip.AddrPort
	created time.Time
	result  chan proto.Message
}

// Correlator tracks outstanding transactions. Each Do call owns one pending entry; the
// connection reader resolves entries with Resolve.
type Correlator struct {
	write WriteFunc
	opts  Options

	mu       sync.Mutex
	pending  map[proto.TxID]*pending
	closeErr error
	done     *idem.IdemCloseChan
}

func New(write WriteFunc, opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Correlator{
		write:   write,
		opts:    opts,
		pending: make(map[proto.TxID]*pending),
		done:    idem.NewIdemCloseChan(),
	}
}

// Do writes req and waits for the response with the same transaction ID. A request whose ID
// collides with an outstanding one gets a fresh ID first.
func (c *Correlator) Do(ctx context.Context, req proto.Request, peer netip.AddrPort) (proto.Message, error) {
	p := &pending{peer: peer, created: time.Now(), result: make(chan proto.Message, 1)}
	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	id := req.Tx()
	for {
		if _, busy := c.pending[id]; !busy {
			break
		}
		id = proto.NewTxID()
	}
	req.SetTx(id)
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.remove(id)
		return nil, fmt.Errorf("txn: write %s: %w", id, err)
	}

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()
	select {
	case m := <-p.result:
		obs.TransactionSeconds.Observe(time.Since(p.created).Seconds())
		return m, nil
	case <-timer.C:
		if !c.remove(id) {
			// Resolved while the timer fired.
			return <-p.result, nil
		}
		obs.TransactionTimeoutTotal.Inc()
		obs.Warn("txn.timeout", obs.Fields{"tx": id.String(), "peer": peer.String(), "after": c.opts.Timeout.String()})
		if c.opts.OnTimeout != nil {
			c.opts.OnTimeout(id, peer)
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, id, c.opts.Timeout)
	case <-ctx.Done():
		if !c.remove(id) {
			return <-p.result, nil
		}
		return nil, ctx.Err()
	case <-c.done.Chan:
		c.remove(id)
		return nil, c.Err()
	}
}

// Resolve hands msg to the transaction waiting on id and returns that transaction's peer.
// Unknown or already resolved IDs are logged and ignored.
func (c *Correlator) Resolve(id proto.TxID, msg proto.Message) (netip.AddrPort, bool) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		obs.Debug("txn.unmatched", obs.Fields{"tx": id.String(), "type": fmt.Sprintf("%T", msg)})
		return netip.AddrPort{}, false
	}
	p.result <- msg
	return p.peer, true
}

// Pending reports the number of outstanding transactions.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every outstanding and future transaction with err (ErrClosed if nil).
func (c *Correlator) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.mu.Unlock()
	c.done.Close()
}

// Err returns the close reason, or nil while open.
func (c *Correlator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Correlator) remove(id proto.TxID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}
