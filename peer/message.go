// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package peer implements the BitTorrent peer wire protocol: handshake
// framing, the 9 base messages plus the extended (id 20) message, and a
// Conn actor that runs a connection's read/write loops on channels.
// Grounded on lib/torrent/scheduler/conn's actor shape, with wire bytes
// written fresh against the real BEP-3/BEP-10 formats (the teacher's own
// wire protocol is protobuf-based and not BEP-compliant).
package peer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dog4ik/media-server-sub002/utils/memsize"
)

// MessageID identifies a wire message's type.
type MessageID byte

// Base message ids, per BEP-3.
const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

// MsgExtended is the BEP-10 extension message id.
const MsgExtended MessageID = 20

// MsgKeepAlive is not a real wire id: ReadMessage reports a zero-length
// message with this id so callers can distinguish a keep-alive from a
// framing error.
const MsgKeepAlive MessageID = 0xFF

// maxMessageSize bounds a single message's payload (excludes the 4-byte
// length prefix), guarding against a malicious or corrupt peer claiming an
// enormous length.
const maxMessageSize = 256 * memsize.KB

// Message is a decoded wire message. Only the fields relevant to ID are
// populated.
type Message struct {
	ID MessageID

	Index  uint32 // have, request, piece, cancel
	Begin  uint32 // request, piece, cancel
	Length uint32 // request, cancel

	Block    []byte // piece
	Bitfield []byte // bitfield, packed MSB-first wire form

	ExtendedID      byte   // extended
	ExtendedPayload []byte // extended, bencoded dict
}

// ReadMessage reads and decodes one length-prefixed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{ID: MsgKeepAlive}, nil
	}
	if length > maxMessageSize {
		return Message{}, fmt.Errorf("message length %d exceeds max %d", length, maxMessageSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("read payload: %s", err)
	}

	id := MessageID(payload[0])
	body := payload[1:]
	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if len(body) != 0 {
			return Message{}, fmt.Errorf("message id %d: unexpected payload", id)
		}
		return Message{ID: id}, nil
	case MsgHave:
		if len(body) != 4 {
			return Message{}, fmt.Errorf("have: want 4 byte payload, got %d", len(body))
		}
		return Message{ID: id, Index: binary.BigEndian.Uint32(body)}, nil
	case MsgBitfield:
		return Message{ID: id, Bitfield: body}, nil
	case MsgRequest, MsgCancel:
		if len(body) != 12 {
			return Message{}, fmt.Errorf("request/cancel: want 12 byte payload, got %d", len(body))
		}
		return Message{
			ID:     id,
			Index:  binary.BigEndian.Uint32(body[0:4]),
			Begin:  binary.BigEndian.Uint32(body[4:8]),
			Length: binary.BigEndian.Uint32(body[8:12]),
		}, nil
	case MsgPiece:
		if len(body) < 8 {
			return Message{}, fmt.Errorf("piece: payload too short: %d", len(body))
		}
		return Message{
			ID:    id,
			Index: binary.BigEndian.Uint32(body[0:4]),
			Begin: binary.BigEndian.Uint32(body[4:8]),
			Block: body[8:],
		}, nil
	case MsgExtended:
		if len(body) < 1 {
			return Message{}, fmt.Errorf("extended: empty payload")
		}
		return Message{ID: id, ExtendedID: body[0], ExtendedPayload: body[1:]}, nil
	default:
		return Message{}, fmt.Errorf("unknown message id %d", id)
	}
}

// WriteMessage encodes and writes msg to w, including the 4-byte length
// prefix.
func WriteMessage(w io.Writer, msg Message) error {
	var body []byte
	switch msg.ID {
	case MsgKeepAlive:
		_, err := w.Write([]byte{0, 0, 0, 0})
		return err
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		body = []byte{byte(msg.ID)}
	case MsgHave:
		body = make([]byte, 5)
		body[0] = byte(msg.ID)
		binary.BigEndian.PutUint32(body[1:], msg.Index)
	case MsgBitfield:
		body = make([]byte, 1+len(msg.Bitfield))
		body[0] = byte(msg.ID)
		copy(body[1:], msg.Bitfield)
	case MsgRequest, MsgCancel:
		body = make([]byte, 13)
		body[0] = byte(msg.ID)
		binary.BigEndian.PutUint32(body[1:5], msg.Index)
		binary.BigEndian.PutUint32(body[5:9], msg.Begin)
		binary.BigEndian.PutUint32(body[9:13], msg.Length)
	case MsgPiece:
		body = make([]byte, 9+len(msg.Block))
		body[0] = byte(msg.ID)
		binary.BigEndian.PutUint32(body[1:5], msg.Index)
		binary.BigEndian.PutUint32(body[5:9], msg.Begin)
		copy(body[9:], msg.Block)
	case MsgExtended:
		body = make([]byte, 2+len(msg.ExtendedPayload))
		body[0] = byte(msg.ID)
		body[1] = msg.ExtendedID
		copy(body[2:], msg.ExtendedPayload)
	default:
		return fmt.Errorf("unknown message id %d", msg.ID)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
