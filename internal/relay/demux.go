package relay

import (
	"net/netip"
	"sync"

	"github.com/matst80/turnbridge/internal/frame"
)

// demux splits Data Indication payloads into per-peer units. Each peer has its own decoder so
// interleaved partial frames from different peers never mix.
type demux struct {
	onFrame func(peer netip.AddrPort, payload []byte)
	onSTUN  func(peer netip.AddrPort, msg []byte)

	mu       sync.Mutex
	peers    map[netip.AddrPort]*frame.Decoder
	released map[netip.AddrPort]struct{}
}

func newDemux(onFrame, onSTUN func(netip.AddrPort, []byte)) *demux {
	return &demux{
		onFrame:  onFrame,
		onSTUN:   onSTUN,
		peers:    make(map[netip.AddrPort]*frame.Decoder),
		released: make(map[netip.AddrPort]struct{}),
	}
}

// feed appends data to the peer's stream and dispatches every unit it completes. It is called
// only from the relay reader goroutine.
func (d *demux) feed(peer netip.AddrPort, data []byte) {
	d.mu.Lock()
	dec, ok := d.peers[peer]
	if !ok {
		dec = &frame.Decoder{}
		d.peers[peer] = dec
	}
	d.mu.Unlock()

	dec.Write(data)
	for {
		u, ok := dec.Next()
		if !ok {
			return
		}
		switch u.Kind {
		case frame.KindFrame:
			d.onFrame(peer, u.Data)
		case frame.KindSTUN:
			d.onSTUN(peer, u.Data)
		}
	}
}

// forget drops reassembly state for peer, partial unit included.
func (d *demux) forget(peer netip.AddrPort) {
	d.mu.Lock()
	delete(d.peers, peer)
	delete(d.released, peer)
	d.mu.Unlock()
}

// release marks peer's stream state as no longer needed by a session. It may be called from
// any goroutine; the state is dropped by the next sweep.
func (d *demux) release(peer netip.AddrPort) {
	d.mu.Lock()
	d.released[peer] = struct{}{}
	d.mu.Unlock()
}

// sweep drops the decoders of released peers that sit at a unit boundary. A decoder holding a
// partial unit is kept so the rest of that unit still lines up. Only the relay reader
// goroutine calls sweep.
func (d *demux) sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for peer := range d.released {
		if dec, ok := d.peers[peer]; ok && dec.Buffered() > 0 {
			continue
		}
		delete(d.peers, peer)
		delete(d.released, peer)
	}
}
