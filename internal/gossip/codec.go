// Package gossip implements the SWIM-style failure detector: message
// codec, member list, and the probe/piggyback engine itself.
//
// Architecture: direct probe → indirect probe (k=3) → suspect → dead, with
// incarnation numbers as the refutation mechanism and state updates
// piggybacked on ordinary Ping/Ack datagrams (see SPEC_FULL.md §4.1–4.6).
package gossip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/tutu-network/flux/internal/domain"
)

// MaxDatagramBytes is the hard MTU ceiling every encoded message must
// respect, conservative enough to avoid IP fragmentation on typical L3
// paths.
const MaxDatagramBytes = 1400

// MessageType discriminates the four wire variants. It is the leading byte
// of every encoded datagram (grounded on original_source/src/gossip/messages.rs,
// which uses the same tag-then-length-prefixed-fields layout).
type MessageType uint8

const (
	TypePing MessageType = iota + 1
	TypeAck
	TypeIndirectPing
	TypeIndirectAck
)

// Message is the tagged union of the four SWIM datagram shapes. Only the
// fields relevant to Type are populated; piggy-backed lists are only
// meaningful for Ping and Ack.
type Message struct {
	Type MessageType

	From     domain.MemberID
	FromAddr *net.UDPAddr

	Incarnation uint64

	// IndirectPing / IndirectAck only.
	TargetID        domain.MemberID
	TargetAddr      *net.UDPAddr
	TargetResponded bool

	// Ping / Ack only: piggy-backed dissemination payload.
	MemberUpdates  []domain.MemberUpdate
	BackendUpdates []domain.BackendUpdate
}

// EstimatedSize returns the exact number of bytes Encode would produce.
func (m Message) EstimatedSize() int {
	buf, err := encode(m)
	if err != nil {
		// encode only fails on an unknown Type, which EstimatedSize
		// callers never construct; treat as "too large" so trimming
		// logic degrades safely instead of panicking.
		return MaxDatagramBytes + 1
	}
	return len(buf)
}

// Encode serializes m to its compact binary wire form. Returns
// ErrMessageTooLarge if the encoding would exceed MaxDatagramBytes; callers
// must have applied TrimToFit first (see SPEC_FULL.md §4.1).
func Encode(m Message) ([]byte, error) {
	buf, err := encode(m)
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxDatagramBytes {
		return nil, domain.ErrMessageTooLarge
	}
	return buf, nil
}

// Decode parses a received datagram. Returns ErrMalformedMessage for any
// structurally invalid or unknown-variant input.
func Decode(data []byte) (Message, error) {
	m, err := decode(data)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	return m, nil
}

// TrimToFit returns a copy of msg with the same header fields and as many
// piggy-backed member_updates then backend_updates as fit under
// MaxDatagramBytes, popped in order from the supplied slices. It never
// invents updates, and only Ping/Ack carry trimmable lists — IndirectPing
// and IndirectAck are returned unchanged since they never carry piggybacked
// lists.
func TrimToFit(msg Message) Message {
	if msg.Type != TypePing && msg.Type != TypeAck {
		return msg
	}

	fitted := msg
	fitted.MemberUpdates = nil
	fitted.BackendUpdates = nil

	// Binary search on the header-only size isn't needed: we add updates
	// one at a time and stop the instant one doesn't fit. Member updates
	// are popped before backend updates, deterministically, per
	// SPEC_FULL.md §4.1.
	for _, u := range msg.MemberUpdates {
		candidate := fitted
		candidate.MemberUpdates = append(append([]domain.MemberUpdate{}, fitted.MemberUpdates...), u)
		if candidate.EstimatedSize() > MaxDatagramBytes {
			break
		}
		fitted = candidate
	}
	for _, u := range msg.BackendUpdates {
		candidate := fitted
		candidate.BackendUpdates = append(append([]domain.BackendUpdate{}, fitted.BackendUpdates...), u)
		if candidate.EstimatedSize() > MaxDatagramBytes {
			break
		}
		fitted = candidate
	}
	return fitted
}

// ─── Wire format ────────────────────────────────────────────────────────────
//
// byte 0:        MessageType tag
// remaining:     type-specific fields. Strings are prefixed by a big-endian
//                uint16 byte count, addresses by a one-byte IP length (0 for
//                nil) followed by the IP and a big-endian uint16 port, and
//                update lists by a big-endian uint16 entry count.

func encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Type))

	switch m.Type {
	case TypePing, TypeAck:
		writeString(&buf, string(m.From))
		writeUDPAddr(&buf, m.FromAddr)
		writeUint64(&buf, m.Incarnation)
		writeMemberUpdates(&buf, m.MemberUpdates)
		writeBackendUpdates(&buf, m.BackendUpdates)
	case TypeIndirectPing:
		writeString(&buf, string(m.From))
		writeUDPAddr(&buf, m.FromAddr)
		writeString(&buf, string(m.TargetID))
		writeUDPAddr(&buf, m.TargetAddr)
	case TypeIndirectAck:
		writeString(&buf, string(m.From))
		writeUDPAddr(&buf, m.FromAddr)
		writeString(&buf, string(m.TargetID))
		writeBool(&buf, m.TargetResponded)
	default:
		return nil, fmt.Errorf("gossip: unknown message type %d", m.Type)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (Message, error) {
	if len(data) < 1 {
		return Message{}, fmt.Errorf("empty datagram")
	}
	r := bytes.NewReader(data[1:])
	m := Message{Type: MessageType(data[0])}

	var err error
	switch m.Type {
	case TypePing, TypeAck:
		var from string
		if from, err = readString(r); err != nil {
			return Message{}, err
		}
		m.From = domain.MemberID(from)
		if m.FromAddr, err = readUDPAddr(r); err != nil {
			return Message{}, err
		}
		if m.Incarnation, err = readUint64(r); err != nil {
			return Message{}, err
		}
		if m.MemberUpdates, err = readMemberUpdates(r); err != nil {
			return Message{}, err
		}
		if m.BackendUpdates, err = readBackendUpdates(r); err != nil {
			return Message{}, err
		}
	case TypeIndirectPing:
		var from, target string
		if from, err = readString(r); err != nil {
			return Message{}, err
		}
		m.From = domain.MemberID(from)
		if m.FromAddr, err = readUDPAddr(r); err != nil {
			return Message{}, err
		}
		if target, err = readString(r); err != nil {
			return Message{}, err
		}
		m.TargetID = domain.MemberID(target)
		if m.TargetAddr, err = readUDPAddr(r); err != nil {
			return Message{}, err
		}
	case TypeIndirectAck:
		var from, target string
		if from, err = readString(r); err != nil {
			return Message{}, err
		}
		m.From = domain.MemberID(from)
		if m.FromAddr, err = readUDPAddr(r); err != nil {
			return Message{}, err
		}
		if target, err = readString(r); err != nil {
			return Message{}, err
		}
		m.TargetID = domain.MemberID(target)
		if m.TargetResponded, err = readBool(r); err != nil {
			return Message{}, err
		}
	default:
		return Message{}, fmt.Errorf("unknown message type %d", m.Type)
	}
	return m, nil
}

// ─── Primitive field encoding ───────────────────────────────────────────────

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// writeUDPAddr encodes a nilable *net.UDPAddr as IP-bytes + port, prefixed
// by a length byte (0 means nil/unset, which Indirect messages may carry
// for a zero-value placeholder).
func writeUDPAddr(buf *bytes.Buffer, addr *net.UDPAddr) {
	if addr == nil {
		buf.WriteByte(0)
		return
	}
	ip := addr.IP.To16()
	buf.WriteByte(byte(len(ip)))
	buf.Write(ip)
	writeUint16(buf, uint16(addr.Port))
}

func readUDPAddr(r *bytes.Reader) (*net.UDPAddr, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ip := make([]byte, n)
	if _, err := readFull(r, ip); err != nil {
		return nil, err
	}
	port, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: net.IP(ip), Port: int(port)}, nil
}

func writeMemberUpdates(buf *bytes.Buffer, updates []domain.MemberUpdate) {
	writeUint16(buf, uint16(len(updates)))
	for _, u := range updates {
		writeString(buf, string(u.MemberID))
		writeUDPAddr(buf, u.Addr)
		buf.WriteByte(byte(u.State))
		writeUint64(buf, u.Incarnation)
	}
}

func readMemberUpdates(r *bytes.Reader) ([]domain.MemberUpdate, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]domain.MemberUpdate, 0, n)
	for i := uint16(0); i < n; i++ {
		id, err := readString(r)
		if err != nil {
			return nil, err
		}
		addr, err := readUDPAddr(r)
		if err != nil {
			return nil, err
		}
		state, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		inc, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.MemberUpdate{
			MemberID:    domain.MemberID(id),
			Addr:        addr,
			State:       domain.MemberState(state),
			Incarnation: inc,
		})
	}
	return out, nil
}

func writeBackendUpdates(buf *bytes.Buffer, updates []domain.BackendUpdate) {
	writeUint16(buf, uint16(len(updates)))
	for _, u := range updates {
		writeTCPAddr(buf, u.BackendAddr)
		writeBool(buf, u.IsHealthy)
		writeString(buf, string(u.FromMember))
		writeUint64(buf, uint64(u.Timestamp))
	}
}

func readBackendUpdates(r *bytes.Reader) ([]domain.BackendUpdate, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]domain.BackendUpdate, 0, n)
	for i := uint16(0); i < n; i++ {
		addr, err := readTCPAddr(r)
		if err != nil {
			return nil, err
		}
		healthy, err := readBool(r)
		if err != nil {
			return nil, err
		}
		from, err := readString(r)
		if err != nil {
			return nil, err
		}
		ts, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.BackendUpdate{
			BackendAddr: addr,
			IsHealthy:   healthy,
			FromMember:  domain.MemberID(from),
			Timestamp:   int64(ts),
		})
	}
	return out, nil
}

func writeTCPAddr(buf *bytes.Buffer, addr *net.TCPAddr) {
	if addr == nil {
		buf.WriteByte(0)
		return
	}
	ip := addr.IP.To16()
	buf.WriteByte(byte(len(ip)))
	buf.Write(ip)
	writeUint16(buf, uint16(addr.Port))
}

func readTCPAddr(r *bytes.Reader) (*net.TCPAddr, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ip := make([]byte, n)
	if _, err := readFull(r, ip); err != nil {
		return nil, err
	}
	port, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	return &net.TCPAddr{IP: net.IP(ip), Port: int(port)}, nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := r.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("unexpected end of message")
		}
	}
	return total, nil
}
