// Package stunutil builds and reads the ICE-specific STUN messages of
// RFC 8445 §7 on top of github.com/pion/stun/v3, treated as the on-wire
// STUN codec collaborator: header and generic TLV attribute encode/decode
// are its job, not ours. The
// ICE-specific attributes (PRIORITY, ICE-CONTROLLING/CONTROLLED,
// USE-CANDIDATE) aren't part of pion/stun's attribute set, so this package
// adds them as ordinary stun.Setter/raw-attribute values on top of the
// library's Message.
package stunutil

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pion/stun/v3"
)

// ICE-specific STUN attributes (RFC 8445 §7.1.1, not defined by pion/stun).
const (
	AttrPriority       stun.AttrType = 0x0024
	AttrUseCandidate   stun.AttrType = 0x0025
	AttrICEControlled  stun.AttrType = 0x8029
	AttrICEControlling stun.AttrType = 0x802A
)

// ICE role-conflict and auth failure codes (RFC 8445 §7.3.1.1, §7.3.3).
const (
	CodeRoleConflict    stun.ErrorCode = 487
	CodeUnauthenticated stun.ErrorCode = 401
	CodeBadRequest      stun.ErrorCode = 400
)

// NewMessageIntegrity is a stun.Setter computing MESSAGE-INTEGRITY
// (RFC 5389 §15.4) over the message built so far, keyed by password.
func NewMessageIntegrity(password string) stun.Setter {
	return stun.NewShortTermIntegrity(password)
}

// CheckMessageIntegrity verifies a decoded message's MESSAGE-INTEGRITY
// attribute against the given password.
func CheckMessageIntegrity(m *stun.Message, password string) error {
	return stun.NewShortTermIntegrity(password).Check(m)
}

// FixedTransactionID is a stun.Setter that pins a message's transaction ID
// to an explicit value, for building a response that must echo the
// request's transaction ID (rather than stun.TransactionID, which always
// generates a fresh random one).
type FixedTransactionID [stun.TransactionIDSize]byte

func (f FixedTransactionID) AddTo(m *stun.Message) error {
	m.TransactionID = [stun.TransactionIDSize]byte(f)
	m.WriteHeader()
	return nil
}

// Priority is a stun.Setter adding the PRIORITY attribute.
type Priority uint32

func (p Priority) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(p))
	m.Add(AttrPriority, v)
	return nil
}

// GetPriority reads the PRIORITY attribute, if present.
func GetPriority(m *stun.Message) (uint32, bool) {
	v, err := m.Get(AttrPriority)
	if err != nil || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// tieBreaker is a stun.Setter adding either ICE-CONTROLLING or
// ICE-CONTROLLED with the given 64-bit tie-breaker value.
type tieBreaker struct {
	attr  stun.AttrType
	value uint64
}

func (t tieBreaker) AddTo(m *stun.Message) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, t.value)
	m.Add(t.attr, v)
	return nil
}

func ICEControlling(tieBreakerValue uint64) stun.Setter {
	return tieBreaker{AttrICEControlling, tieBreakerValue}
}

func ICEControlled(tieBreakerValue uint64) stun.Setter {
	return tieBreaker{AttrICEControlled, tieBreakerValue}
}

// GetRole reads whichever of ICE-CONTROLLING/ICE-CONTROLLED is present,
// returning (controlling, tieBreaker, true) or (_, _, false) if neither is.
func GetRole(m *stun.Message) (controlling bool, tb uint64, ok bool) {
	if v, err := m.Get(AttrICEControlling); err == nil && len(v) == 8 {
		return true, binary.BigEndian.Uint64(v), true
	}
	if v, err := m.Get(AttrICEControlled); err == nil && len(v) == 8 {
		return false, binary.BigEndian.Uint64(v), true
	}
	return false, 0, false
}

// UseCandidate is a stun.Setter adding the (zero-length) USE-CANDIDATE flag.
var UseCandidate stun.Setter = useCandidateSetter{}

type useCandidateSetter struct{}

func (useCandidateSetter) AddTo(m *stun.Message) error {
	m.Add(AttrUseCandidate, nil)
	return nil
}

// HasUseCandidate reports whether the message carries USE-CANDIDATE.
func HasUseCandidate(m *stun.Message) bool {
	return m.Contains(AttrUseCandidate)
}

// BuildBindingRequest builds a connectivity-check Binding request per
// RFC 8445 §7.1.1: USERNAME = "<remote_ufrag>:<local_ufrag>", PRIORITY,
// the controlling/controlled role attribute with tie-breaker, MESSAGE-
// INTEGRITY keyed by the remote password, and optionally USE-CANDIDATE.
func BuildBindingRequest(localUfrag, remoteUfrag, remotePassword string, priority uint32, controlling bool, tieBreakerValue uint64, useCandidate bool) (*stun.Message, error) {
	username := remoteUfrag + ":" + localUfrag

	setters := []stun.Setter{
		stun.TransactionID,
		stun.BindingRequest,
		stun.NewUsername(username),
		Priority(priority),
	}
	if controlling {
		setters = append(setters, ICEControlling(tieBreakerValue))
	} else {
		setters = append(setters, ICEControlled(tieBreakerValue))
	}
	if useCandidate {
		setters = append(setters, UseCandidate)
	}
	setters = append(setters, NewMessageIntegrity(remotePassword), stun.Fingerprint)

	return stun.Build(setters...)
}

// BuildBindingSuccessResponse builds the success response to an inbound
// Binding request: XOR-MAPPED-ADDRESS = source address, MESSAGE-INTEGRITY
// keyed by the local password (RFC 8445 §7.3.2.3).
func BuildBindingSuccessResponse(transactionID [stun.TransactionIDSize]byte, mapped net.Addr, localPassword string) (*stun.Message, error) {
	xor, err := xorMappedAddressFrom(mapped)
	if err != nil {
		return nil, err
	}
	return stun.Build(
		FixedTransactionID(transactionID),
		stun.BindingSuccess,
		xor,
		NewMessageIntegrity(localPassword),
		stun.Fingerprint,
	)
}

// BuildBindingErrorResponse builds an error response, e.g. 487 (Role
// Conflict), 401 (Unauthenticated), 400 (Bad Request).
func BuildBindingErrorResponse(transactionID [stun.TransactionIDSize]byte, code stun.ErrorCode, reason string, password string) (*stun.Message, error) {
	setters := []stun.Setter{
		FixedTransactionID(transactionID),
		stun.BindingError,
		&stun.ErrorCodeAttribute{Code: code, Reason: []byte(reason)},
	}
	if password != "" {
		setters = append(setters, NewMessageIntegrity(password))
	}
	setters = append(setters, stun.Fingerprint)
	return stun.Build(setters...)
}

// BuildBindingIndication builds a keepalive Binding indication
// (RFC 8445 §11): no response is expected.
func BuildBindingIndication() (*stun.Message, error) {
	return stun.Build(stun.TransactionID, stun.BindingIndication, stun.Fingerprint)
}

// BuildDiscoveryBindingRequest builds the plain Binding request a host
// candidate sends to a STUN server during gathering (RFC 5389 §10): no
// long-term credential exchange is involved, just FINGERPRINT so the
// server can distinguish it from other UDP traffic on the same port.
func BuildDiscoveryBindingRequest() (*stun.Message, error) {
	return stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
}

func xorMappedAddressFrom(addr net.Addr) (*stun.XORMappedAddress, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return &stun.XORMappedAddress{IP: a.IP, Port: a.Port}, nil
	default:
		return nil, fmt.Errorf("stunutil: unsupported address type %T", addr)
	}
}

// GetXORMappedAddress reads the XOR-MAPPED-ADDRESS (falling back to the
// legacy MAPPED-ADDRESS) attribute from a message.
func GetXORMappedAddress(m *stun.Message) (*net.UDPAddr, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
	}
	var legacy stun.MappedAddress
	if err := legacy.GetFrom(m); err == nil {
		return &net.UDPAddr{IP: legacy.IP, Port: legacy.Port}, nil
	}
	return nil, fmt.Errorf("stunutil: no (XOR-)MAPPED-ADDRESS attribute")
}

// GetUsername reads the USERNAME attribute as a string.
func GetUsername(m *stun.Message) (string, bool) {
	var u stun.Username
	if err := u.GetFrom(m); err != nil {
		return "", false
	}
	return u.String(), true
}

// GetErrorCode reads the ERROR-CODE attribute, if present.
func GetErrorCode(m *stun.Message) (stun.ErrorCode, bool) {
	var ec stun.ErrorCodeAttribute
	if err := ec.GetFrom(m); err != nil {
		return 0, false
	}
	return ec.Code, true
}

// IsRequest, IsIndication, IsSuccessResponse and IsErrorResponse report
// whether m is of that class.
func IsRequest(m *stun.Message) bool          { return m.Type.Class == stun.ClassRequest }
func IsIndication(m *stun.Message) bool       { return m.Type.Class == stun.ClassIndication }
func IsSuccessResponse(m *stun.Message) bool  { return m.Type.Class == stun.ClassSuccessResponse }
func IsErrorResponse(m *stun.Message) bool    { return m.Type.Class == stun.ClassErrorResponse }

// Decode parses a raw UDP payload as a STUN message. Use mux.IsSTUN first
// to cheaply rule out non-STUN payloads before paying for a full decode.
func Decode(data []byte) (*stun.Message, error) {
	m := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := m.Decode(); err != nil {
		return nil, err
	}
	return m, nil
}
