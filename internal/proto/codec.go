package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/pion/stun"
)

const (
	// HeaderSize is the fixed STUN header length.
	HeaderSize = 20
	// MethodConnectionStatus reports the state of a relayed TCP connection to a peer.
	MethodConnectionStatus stun.Method = 0x000d
	// AttrConnectStat carries a ConnStatus as a 32-bit value.
	AttrConnectStat stun.AttrType = 0x0023
)

var ErrNotSTUN = errors.New("proto: not a STUN message")

var (
	typeAllocateRequest = stun.NewType(stun.MethodAllocate, stun.ClassRequest)
	typeAllocateSuccess = stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse)
	typeAllocateError   = stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse)
	typeSendRequest     = stun.NewType(stun.MethodSend, stun.ClassRequest)
	typeSendSuccess     = stun.NewType(stun.MethodSend, stun.ClassSuccessResponse)
	typeSendError       = stun.NewType(stun.MethodSend, stun.ClassErrorResponse)
	typeSendIndication  = stun.NewType(stun.MethodSend, stun.ClassIndication)
	typeDataIndication  = stun.NewType(stun.MethodData, stun.ClassIndication)
	typeConnStatus      = stun.NewType(MethodConnectionStatus, stun.ClassIndication)
	typeConnectRequest  = stun.NewType(stun.MethodConnect, stun.ClassRequest)
	typeConnectSuccess  = stun.NewType(stun.MethodConnect, stun.ClassSuccessResponse)
	typeConnectError    = stun.NewType(stun.MethodConnect, stun.ClassErrorResponse)
	typeBindingRequest  = stun.NewType(stun.MethodBinding, stun.ClassRequest)
	typeBindingSuccess  = stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse)
)

// MessageLength returns the total size of the STUN message whose header starts b.
// b must hold at least HeaderSize bytes.
func MessageLength(b []byte) int {
	return HeaderSize + int(binary.BigEndian.Uint16(b[2:4]))
}

type addrAttr struct {
	t    stun.AttrType
	addr netip.AddrPort
}

func (a addrAttr) AddTo(m *stun.Message) error {
	if !a.addr.IsValid() {
		return fmt.Errorf("proto: %s: invalid address", a.t)
	}
	x := stun.XORMappedAddress{IP: net.IP(a.addr.Addr().Unmap().AsSlice()), Port: int(a.addr.Port())}
	return x.AddToAs(m, a.t)
}

type errorAttr struct {
	code   int
	reason string
}

func (e errorAttr) AddTo(m *stun.Message) error {
	return stun.ErrorCodeAttribute{Code: stun.ErrorCode(e.code), Reason: []byte(e.reason)}.AddTo(m)
}

func dataAttr(b []byte) stun.Setter { return stun.RawAttribute{Type: stun.AttrData, Value: b} }

func statusAttr(s ConnStatus) stun.Setter {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(s))
	return stun.RawAttribute{Type: AttrConnectStat, Value: v}
}

// Encode serializes m into a complete STUN message.
func Encode(m Message) ([]byte, error) {
	var (
		typ   stun.MessageType
		attrs []stun.Setter
	)
	switch v := m.(type) {
	case *AllocateRequest:
		typ = typeAllocateRequest
	case *AllocateSuccess:
		typ = typeAllocateSuccess
		attrs = []stun.Setter{addrAttr{stun.AttrXORMappedAddress, v.Mapped}, addrAttr{stun.AttrXORRelayedAddress, v.Relay}}
	case *AllocateError:
		typ = typeAllocateError
		attrs = []stun.Setter{errorAttr{v.Code, v.Reason}}
	case *SendRequest:
		typ = typeSendRequest
		attrs = []stun.Setter{addrAttr{stun.AttrXORPeerAddress, v.Peer}, dataAttr(v.Data)}
	case *SendSuccess:
		typ = typeSendSuccess
	case *SendError:
		typ = typeSendError
		attrs = []stun.Setter{errorAttr{v.Code, v.Reason}}
	case *SendIndication:
		typ = typeSendIndication
		attrs = []stun.Setter{addrAttr{stun.AttrXORPeerAddress, v.Peer}, dataAttr(v.Data)}
	case *DataIndication:
		typ = typeDataIndication
		attrs = []stun.Setter{addrAttr{stun.AttrXORPeerAddress, v.Peer}, dataAttr(v.Data)}
	case *ConnectionStatusIndication:
		typ = typeConnStatus
		attrs = []stun.Setter{addrAttr{stun.AttrXORPeerAddress, v.Peer}, statusAttr(v.Status)}
	case *ConnectRequest:
		typ = typeConnectRequest
		attrs = []stun.Setter{addrAttr{stun.AttrXORPeerAddress, v.Peer}}
	case *ConnectSuccess:
		typ = typeConnectSuccess
	case *ConnectError:
		typ = typeConnectError
		attrs = []stun.Setter{errorAttr{v.Code, v.Reason}}
	case *BindingRequest:
		typ = typeBindingRequest
	case *BindingSuccess:
		typ = typeBindingSuccess
		attrs = []stun.Setter{addrAttr{stun.AttrXORMappedAddress, v.Mapped}}
	case *Unknown:
		typ = v.Type
	default:
		return nil, fmt.Errorf("proto: cannot encode %T", m)
	}
	setters := append([]stun.Setter{typ, stun.NewTransactionIDSetter(m.Tx())}, attrs...)
	msg, err := stun.Build(setters...)
	if err != nil {
		return nil, fmt.Errorf("proto: encode %T: %w", m, err)
	}
	return msg.Raw, nil
}

// Decode parses one complete STUN message. Kinds the client does not handle decode to *Unknown.
func Decode(b []byte) (Message, error) {
	if !stun.IsMessage(b) {
		return nil, ErrNotSTUN
	}
	m := &stun.Message{Raw: append([]byte(nil), b...)}
	if err := m.Decode(); err != nil {
		return nil, fmt.Errorf("proto: decode: %w", err)
	}
	h := Header{ID: m.TransactionID}
	switch m.Type {
	case typeAllocateRequest:
		return &AllocateRequest{h}, nil
	case typeAllocateSuccess:
		mapped, err := getAddr(m, stun.AttrXORMappedAddress)
		if err != nil {
			return nil, err
		}
		relay, err := getAddr(m, stun.AttrXORRelayedAddress)
		if err != nil {
			return nil, err
		}
		return &AllocateSuccess{Header: h, Mapped: mapped, Relay: relay}, nil
	case typeAllocateError:
		code, reason := getError(m)
		return &AllocateError{Header: h, Code: code, Reason: reason}, nil
	case typeSendRequest:
		peer, data, err := getPeerData(m)
		if err != nil {
			return nil, err
		}
		return &SendRequest{Header: h, Peer: peer, Data: data}, nil
	case typeSendSuccess:
		return &SendSuccess{h}, nil
	case typeSendError:
		code, reason := getError(m)
		return &SendError{Header: h, Code: code, Reason: reason}, nil
	case typeSendIndication:
		peer, data, err := getPeerData(m)
		if err != nil {
			return nil, err
		}
		return &SendIndication{Header: h, Peer: peer, Data: data}, nil
	case typeDataIndication:
		peer, data, err := getPeerData(m)
		if err != nil {
			return nil, err
		}
		return &DataIndication{Header: h, Peer: peer, Data: data}, nil
	case typeConnStatus:
		peer, err := getAddr(m, stun.AttrXORPeerAddress)
		if err != nil {
			return nil, err
		}
		v, err := m.Get(AttrConnectStat)
		if err != nil || len(v) != 4 {
			return nil, fmt.Errorf("proto: connection status: missing %s", AttrConnectStat)
		}
		return &ConnectionStatusIndication{Header: h, Peer: peer, Status: ConnStatus(binary.BigEndian.Uint32(v))}, nil
	case typeConnectRequest:
		peer, err := getAddr(m, stun.AttrXORPeerAddress)
		if err != nil {
			return nil, err
		}
		return &ConnectRequest{Header: h, Peer: peer}, nil
	case typeConnectSuccess:
		return &ConnectSuccess{h}, nil
	case typeConnectError:
		code, reason := getError(m)
		return &ConnectError{Header: h, Code: code, Reason: reason}, nil
	case typeBindingRequest:
		return &BindingRequest{h}, nil
	case typeBindingSuccess:
		mapped, err := getAddr(m, stun.AttrXORMappedAddress)
		if err != nil {
			return nil, err
		}
		return &BindingSuccess{Header: h, Mapped: mapped}, nil
	}
	return &Unknown{Header: h, Type: m.Type}, nil
}

func getAddr(m *stun.Message, t stun.AttrType) (netip.AddrPort, error) {
	var x stun.XORMappedAddress
	if err := x.GetFromAs(m, t); err != nil {
		return netip.AddrPort{}, fmt.Errorf("proto: %s: %w", t, err)
	}
	ip, ok := netip.AddrFromSlice(x.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("proto: %s: bad address length %d", t, len(x.IP))
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(x.Port)), nil
}

func getPeerData(m *stun.Message) (netip.AddrPort, []byte, error) {
	peer, err := getAddr(m, stun.AttrXORPeerAddress)
	if err != nil {
		return netip.AddrPort{}, nil, err
	}
	data, err := m.Get(stun.AttrData)
	if err != nil && !errors.Is(err, stun.ErrAttributeNotFound) {
		return netip.AddrPort{}, nil, fmt.Errorf("proto: %s: %w", stun.AttrData, err)
	}
	return peer, data, nil
}

func getError(m *stun.Message) (int, string) {
	var ec stun.ErrorCodeAttribute
	if err := ec.GetFrom(m); err != nil {
		return 0, ""
	}
	return int(ec.Code), string(ec.Reason)
}
