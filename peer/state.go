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

package peer

// HandshakeState is a connection's position in the handshake state
// machine: Init -> SentHs -> RecvHs -> (ExtendedExchange?) -> Active ->
// Closed.
type HandshakeState int

const (
	Init HandshakeState = iota
	SentHs
	RecvHs
	ExtendedExchange
	Active
	Closed
)

func (s HandshakeState) String() string {
	switch s {
	case Init:
		return "init"
	case SentHs:
		return "sent_handshake"
	case RecvHs:
		return "received_handshake"
	case ExtendedExchange:
		return "extended_exchange"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChokePolicy tracks the four-way choke/interest state BEP-3 defines
// between two peers, each initialized choked and not interested.
type ChokePolicy struct {
	AmChoked       bool
	AmInterested   bool
	PeerChoked     bool
	PeerInterested bool
}

// NewChokePolicy returns the initial state: both sides choked, neither
// interested.
func NewChokePolicy() ChokePolicy {
	return ChokePolicy{AmChoked: true, PeerChoked: true}
}
