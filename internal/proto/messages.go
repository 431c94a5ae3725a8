// Package proto defines the relay protocol messages exchanged with a TURN server over TCP and
// their STUN encoding.
package proto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"

	"github.com/pion/stun"
)

// TxID is a STUN transaction identifier.
type TxID [stun.TransactionIDSize]byte

// NewTxID returns a random transaction identifier.
func NewTxID() TxID {
	var id TxID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("proto: transaction id entropy: %v", err))
	}
	return id
}

func (id TxID) String() string { return hex.EncodeToString(id[:]) }

// ConnStatus is the state carried by a connection status indication.
type ConnStatus uint32

const (
	StatusListen ConnStatus = iota
	StatusEstablished
	StatusClosed
)

var connStatusNames = [...]string{"listen", "established", "closed"}

func (s ConnStatus) String() string {
	if int(s) < len(connStatusNames) {
		return connStatusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Message is one decoded relay protocol message. The set of implementations is closed;
// receivers dispatch with a type switch.
type Message interface {
	Tx() TxID
	message()
}

// Request is a message that expects a response carrying the same transaction ID.
type Request interface {
	Message
	SetTx(TxID)
}

// Header holds the fields shared by every message.
type Header struct{ ID TxID }

func (h *Header) Tx() TxID      { return h.ID }
func (h *Header) SetTx(id TxID) { h.ID = id }
func (*Header) message()        {}

type AllocateRequest struct{ Header }

type AllocateSuccess struct {
	Header
	Mapped netip.AddrPort
	Relay  netip.AddrPort
}

type AllocateError struct {
	Header
	Code   int
	Reason string
}

func (e *AllocateError) Error() string {
	return fmt.Sprintf("allocate error %d: %s", e.Code, e.Reason)
}

// SendRequest asks the relay to deliver Data to Peer and acknowledge it.
type SendRequest struct {
	Header
	Peer netip.AddrPort
	Data []byte
}

type SendSuccess struct{ Header }

type SendError struct {
	Header
	Code   int
	Reason string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send error %d: %s", e.Code, e.Reason)
}

// SendIndication delivers Data to Peer without an acknowledgement.
type SendIndication struct {
	Header
	Peer netip.AddrPort
	Data []byte
}

// DataIndication carries bytes received by the relay from Peer.
type DataIndication struct {
	Header
	Peer netip.AddrPort
	Data []byte
}

type ConnectionStatusIndication struct {
	Header
	Peer   netip.AddrPort
	Status ConnStatus
}

// ConnectRequest asks the relay to open a TCP connection to Peer.
type ConnectRequest struct {
	Header
	Peer netip.AddrPort
}

type ConnectSuccess struct{ Header }

type ConnectError struct {
	Header
	Code   int
	Reason string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect error %d: %s", e.Code, e.Reason)
}

type BindingRequest struct{ Header }

type BindingSuccess struct {
	Header
	Mapped netip.AddrPort
}

// Unknown is any well-formed STUN message of a kind the client does not handle.
type Unknown struct {
	Header
	Type stun.MessageType
}

// NewAllocateRequest and the other constructors below assign a fresh transaction ID.
func NewAllocateRequest() *AllocateRequest {
	return &AllocateRequest{Header{NewTxID()}}
}

func NewSendRequest(peer netip.AddrPort, data []byte) *SendRequest {
	return &SendRequest{Header: Header{NewTxID()}, Peer: peer, Data: data}
}

func NewConnectRequest(peer netip.AddrPort) *ConnectRequest {
	return &ConnectRequest{Header: Header{NewTxID()}, Peer: peer}
}

func NewBindingSuccess(id TxID, mapped netip.AddrPort) *BindingSuccess {
	return &BindingSuccess{Header: Header{id}, Mapped: mapped}
}

func NewSendIndication(peer netip.AddrPort, data []byte) *SendIndication {
	return &SendIndication{Header: Header{NewTxID()}, Peer: peer, Data: data}
}
