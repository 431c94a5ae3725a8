package relay

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/matst80/turnbridge/internal/frame"
	"github.com/matst80/turnbridge/internal/obs"
	"github.com/matst80/turnbridge/internal/proto"
)

// SendTo delivers p to peer: it is split into chunks that fit one relay message, each chunk
// is framed and sent as a Send Request, and the next chunk goes out only after the previous
// one is acknowledged. A Send Error is returned as *proto.SendError.
func (c *Client) SendTo(ctx context.Context, peer netip.AddrPort, p []byte) error {
	if c.State() != Allocated {
		return ErrNotAllocated
	}
	for _, chunk := range frame.Split(p, frame.MaxChunk) {
		f, err := frame.Encode(chunk)
		if err != nil {
			return err
		}
		resp, err := c.txns.Do(ctx, proto.NewSendRequest(peer, f), peer)
		if err != nil {
			return err
		}
		switch r := resp.(type) {
		case *proto.SendSuccess:
			obs.ChunksSentTotal.Inc()
		case *proto.SendError:
			return r
		default:
			return fmt.Errorf("relay: unexpected response %T to send request", resp)
		}
	}
	return nil
}

// OpenPeer asks the relay to open a TCP connection to peer. The local bridge is opened when
// the relay reports the connection as established.
func (c *Client) OpenPeer(ctx context.Context, peer netip.AddrPort) error {
	if c.State() != Allocated {
		return ErrNotAllocated
	}
	resp, err := c.txns.Do(ctx, proto.NewConnectRequest(peer), peer)
	if err != nil {
		return err
	}
	switch r := resp.(type) {
	case *proto.ConnectSuccess:
		obs.Info("relay.peer.connect", obs.Fields{"peer": peer.String()})
		return nil
	case *proto.ConnectError:
		return r
	default:
		return fmt.Errorf("relay: unexpected response %T to connect request", resp)
	}
}

// onPeerSTUN handles a STUN message embedded in a peer stream. Binding requests are answered
// with the peer's address as seen by the relay, sent back to whichever peer the transaction
// was mapped to.
func (c *Client) onPeerSTUN(peer netip.AddrPort, raw []byte) {
	m, err := proto.Decode(raw)
	if err != nil {
		obs.DecodeErrorsTotal.Inc()
		obs.Warn("relay.peer.decode.error", obs.Fields{"peer": peer.String(), "err": err})
		return
	}
	switch m := m.(type) {
	case *proto.BindingRequest:
		c.cache.Insert(m.Tx(), peer)
		target, ok := c.cache.Lookup(m.Tx())
		if !ok {
			obs.Warn("relay.binding.unmapped", obs.Fields{"tx": m.Tx().String()})
			return
		}
		resp, err := proto.Encode(proto.NewBindingSuccess(m.Tx(), peer))
		if err != nil {
			obs.Error("relay.binding.encode", obs.Fields{"err": err})
			return
		}
		if err := c.writeMessage(proto.NewSendIndication(target, resp)); err != nil {
			obs.Warn("relay.binding.write", obs.Fields{"peer": target.String(), "err": err})
		}
	default:
		obs.Debug("relay.peer.stun", obs.Fields{"peer": peer.String(), "type": fmt.Sprintf("%T", m)})
	}
}
