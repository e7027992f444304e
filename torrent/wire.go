package torrent

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Constants for the BitTorrent peer wire protocol (BEP-3).
const (
	ProtocolIdentifier = "BitTorrent protocol"
	BlockSize          = SubpieceLen // 16 KiB block size for requests
	MaxBacklog         = 5           // number of block requests kept pipelined
)

// MessageType identifies the type of a BitTorrent message.
type MessageType uint8

// Message types defined by the BitTorrent protocol.
const (
	MsgChoke         MessageType = 0
	MsgUnchoke       MessageType = 1
	MsgInterested    MessageType = 2
	MsgNotInterested MessageType = 3
	MsgHave          MessageType = 4
	MsgBitfield      MessageType = 5
	MsgRequest       MessageType = 6
	MsgPiece         MessageType = 7
	MsgCancel        MessageType = 8
	MsgKeepAlive     MessageType = 255 // special case, no ID, zero length
)

// Message represents a generic BitTorrent message.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Handshake represents the initial 68-byte handshake message.
type Handshake struct {
	Pstrlen  uint8
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake creates a new Handshake message.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstrlen:  uint8(len(ProtocolIdentifier)),
		Pstr:     ProtocolIdentifier,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// Serialize converts the Handshake struct into a byte slice.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 49+len(h.Pstr))
	buf[0] = h.Pstrlen
	copy(buf[1:], h.Pstr)
	copy(buf[1+len(h.Pstr)+8:], h.InfoHash[:])
	copy(buf[1+len(h.Pstr)+8+20:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and parses a Handshake message from the reader.
// It is valid iff pstrlen == 19 and pstr matches the literal protocol
// identifier.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lengthBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	pstrlen := int(lengthBuf[0])
	if pstrlen != len(ProtocolIdentifier) {
		return nil, fmt.Errorf("invalid pstrlen: %d", pstrlen)
	}

	handshakeBuf := make([]byte, 48+pstrlen)
	if _, err := io.ReadFull(r, handshakeBuf); err != nil {
		return nil, err
	}

	var infoHash, peerID [20]byte
	pstr := string(handshakeBuf[:pstrlen])
	if pstr != ProtocolIdentifier {
		return nil, fmt.Errorf("invalid protocol identifier: %s", pstr)
	}
	copy(infoHash[:], handshakeBuf[pstrlen+8:pstrlen+8+20])
	copy(peerID[:], handshakeBuf[pstrlen+8+20:])

	h := &Handshake{
		Pstrlen:  uint8(pstrlen),
		Pstr:     pstr,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	copy(h.Reserved[:], handshakeBuf[pstrlen:pstrlen+8])

	return h, nil
}

// PerformHandshake sends our handshake and reads the peer's response,
// validating protocol identifier and info-hash match.
func PerformHandshake(conn net.Conn, infoHash [20]byte, selfPeerID [20]byte) (*Handshake, error) {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{})

	req := NewHandshake(infoHash, selfPeerID)
	if _, err := conn.Write(req.Serialize()); err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	res, err := ReadHandshake(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake response: %w", err)
	}
	if res.InfoHash != infoHash {
		return nil, fmt.Errorf("infohash mismatch")
	}
	return res, nil
}

// Serialize converts a Message struct into a byte slice for sending.
// Format: <length prefix (4 bytes)><message ID (1 byte)><payload>.
// KeepAlive messages have length 0 and no ID or payload.
func (m *Message) Serialize() []byte {
	if m.Type == MsgKeepAlive {
		return make([]byte, 4)
	}
	length := uint32(1 + len(m.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.Type)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads one length-prefixed message from the connection.
// Nothing in this package calls it; the Parser Pool instead runs the
// streaming PartialParse below over accumulated socket chunks.
func ReadMessage(r io.Reader) (*Message, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)
	if length == 0 {
		return &Message{Type: MsgKeepAlive}, nil
	}
	messageBuf := make([]byte, length)
	if _, err := io.ReadFull(r, messageBuf); err != nil {
		return nil, err
	}
	return &Message{Type: MessageType(messageBuf[0]), Payload: messageBuf[1:]}, nil
}

// isAllZero reports whether buf is entirely zero bytes (used to
// gracefully halt on keep-alive/padding prefixes without treating
// them as a parse error).
func isAllZero(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// PartialParse consumes as many complete messages as buf contains,
// returning the decoded messages and the unconsumed remainder. progress
// reports whether at least one message was consumed (false on an
// all-zero prefix, which halts gracefully rather than failing, or on
// buffers too short to contain one more message). An unrecognized
// message ID is fatal and returned as an error; callers should
// terminate the session.
func PartialParse(buf []byte) (remainder []byte, messages []Message, progress bool, err error) {
	remainder = buf
	for {
		if len(remainder) == 0 {
			return remainder, messages, progress, nil
		}
		if isAllZero(remainder) {
			return remainder, messages, progress, nil
		}
		if len(remainder) < 4 {
			return remainder, messages, progress, nil
		}
		length := binary.BigEndian.Uint32(remainder[0:4])
		if length == 0 {
			// keep-alive: consume and continue
			remainder = remainder[4:]
			progress = true
			continue
		}
		total := 4 + int(length)
		if len(remainder) < total {
			return remainder, messages, progress, nil
		}
		id := MessageType(remainder[4])
		if id > MsgCancel {
			return remainder, messages, progress, fmt.Errorf("unrecognized message id: %d", id)
		}
		payload := make([]byte, length-1)
		copy(payload, remainder[5:total])
		messages = append(messages, Message{Type: id, Payload: payload})
		remainder = remainder[total:]
		progress = true
	}
}

// FormatRequest creates the payload for a Request/Cancel message.
func FormatRequest(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

// ParseRequest extracts index, begin, and length from a Request or
// Cancel message payload.
func ParseRequest(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		err = fmt.Errorf("request payload invalid length: %d", len(payload))
		return
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	length = binary.BigEndian.Uint32(payload[8:12])
	return
}

// ParsePiece extracts index, begin, and data from a Piece message
// payload.
func ParsePiece(payload []byte) (index, begin uint32, data []byte, err error) {
	if len(payload) < 8 {
		err = fmt.Errorf("piece payload too short: %d bytes", len(payload))
		return
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	data = payload[8:]
	return
}

// ParseHave extracts the piece index from a Have message payload.
func ParseHave(payload []byte) (index uint32, err error) {
	if len(payload) != 4 {
		err = fmt.Errorf("have payload invalid length: %d", len(payload))
		return
	}
	index = binary.BigEndian.Uint32(payload)
	return
}

// FormatPiece builds the payload for a Piece message carrying data at
// (index, begin).
func FormatPiece(index, begin uint32, data []byte) []byte {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], data)
	return payload
}

// Bitfield represents the pieces a peer has.
type Bitfield []byte

// NewBitfield allocates a bitfield large enough for numPieces.
func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// HasPiece checks if the bitfield indicates the peer has a specific
// piece.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// SetPiece marks a piece as available in the bitfield.
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}

// BitfieldFromField builds the bitfield a seeder should advertise for
// the current piece state.
func BitfieldFromField(field *PieceField, numPieces int) Bitfield {
	bf := NewBitfield(numPieces)
	for i := 0; i < numPieces; i++ {
		if field.IsComplete(i) {
			bf.SetPiece(i)
		}
	}
	return bf
}
