package domain

import (
	"encoding/json"
	"time"
)

// SignalingType discriminates the signaling message union. The union is
// closed: unknown types are a protocol error at the decode point, never a
// crash.
type SignalingType string

const (
	SignalOffer              SignalingType = "offer"
	SignalAnswer             SignalingType = "answer"
	SignalICECandidate       SignalingType = "ice_candidate"
	SignalListPeers          SignalingType = "list_peers"
	SignalPeerList           SignalingType = "peer_list"
	SignalPeerJoined         SignalingType = "peer_joined"
	SignalPeerLeft           SignalingType = "peer_left"
	SignalConnectionRequest  SignalingType = "connection_request"
	SignalConnectionAccepted SignalingType = "connection_accepted"
	SignalConnectionRejected SignalingType = "connection_rejected"
	SignalPing               SignalingType = "ping"
	SignalPong               SignalingType = "pong"
	SignalError              SignalingType = "error"
)

var knownSignalingTypes = map[SignalingType]bool{
	SignalOffer: true, SignalAnswer: true, SignalICECandidate: true,
	SignalListPeers: true, SignalPeerList: true, SignalPeerJoined: true,
	SignalPeerLeft: true, SignalConnectionRequest: true,
	SignalConnectionAccepted: true, SignalConnectionRejected: true,
	SignalPing: true, SignalPong: true, SignalError: true,
}

func (t SignalingType) Known() bool {
	return knownSignalingTypes[t]
}

// SignalingMessage is the wire envelope exchanged with the rendezvous
// service.
type SignalingMessage struct {
	Type    SignalingType   `json:"type"`
	From    PeerID          `json:"from,omitempty"`
	To      PeerID          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type OfferPayload struct {
	SDP string `json:"sdp"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type ICECandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

type PeerInfo struct {
	ID          PeerID    `json:"id"`
	Name        string    `json:"name,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

type PeerListPayload struct {
	Peers []PeerInfo `json:"peers"`
}

type RejectionPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Payload structs contain only marshalable fields.
		panic(err)
	}
	return data
}

func NewOffer(from, to PeerID, sdp string) SignalingMessage {
	return SignalingMessage{Type: SignalOffer, From: from, To: to, Payload: mustMarshal(OfferPayload{SDP: sdp})}
}

func NewAnswer(from, to PeerID, sdp string) SignalingMessage {
	return SignalingMessage{Type: SignalAnswer, From: from, To: to, Payload: mustMarshal(AnswerPayload{SDP: sdp})}
}

func NewICECandidate(from, to PeerID, p ICECandidatePayload) SignalingMessage {
	return SignalingMessage{Type: SignalICECandidate, From: from, To: to, Payload: mustMarshal(p)}
}

func NewPeerList(to PeerID, peers []PeerInfo) SignalingMessage {
	return SignalingMessage{Type: SignalPeerList, To: to, Payload: mustMarshal(PeerListPayload{Peers: peers})}
}

func NewRejection(from, to PeerID, reason string) SignalingMessage {
	return SignalingMessage{Type: SignalConnectionRejected, From: from, To: to, Payload: mustMarshal(RejectionPayload{Reason: reason})}
}

func NewSignalingError(to PeerID, message string) SignalingMessage {
	return SignalingMessage{Type: SignalError, To: to, Payload: mustMarshal(ErrorPayload{Message: message})}
}

// DecodePayload unmarshals the message payload at the single dispatch point.
// The returned value is one of the payload structs above, or nil for message
// types that carry none. Unknown types and malformed payloads yield a
// ProtocolError.
func DecodePayload(msg SignalingMessage) (any, error) {
	if !msg.Type.Known() {
		return nil, &ProtocolError{MessageType: string(msg.Type), Reason: "unknown message type"}
	}

	decode := func(v any) (any, error) {
		if err := json.Unmarshal(msg.Payload, v); err != nil {
			return nil, &ProtocolError{MessageType: string(msg.Type), Reason: "malformed payload", Err: err}
		}
		return v, nil
	}

	switch msg.Type {
	case SignalOffer:
		return decode(&OfferPayload{})
	case SignalAnswer:
		return decode(&AnswerPayload{})
	case SignalICECandidate:
		return decode(&ICECandidatePayload{})
	case SignalPeerList:
		return decode(&PeerListPayload{})
	case SignalPeerJoined, SignalPeerLeft:
		return decode(&PeerInfo{})
	case SignalConnectionRejected:
		return decode(&RejectionPayload{})
	case SignalError:
		return decode(&ErrorPayload{})
	default:
		// ListPeers, ConnectionRequest, ConnectionAccepted, Ping, Pong
		// carry no payload.
		return nil, nil
	}
}
