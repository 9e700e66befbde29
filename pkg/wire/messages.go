package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags the payload carried by an Envelope.
type Kind string

const (
	KindContentInfoRequest Kind = "content_info_request"
	KindContentInfoReply   Kind = "content_info_reply"
	KindProviderRequest    Kind = "provider_request"
	KindProviderReply      Kind = "provider_reply"
	KindDownloadRequest    Kind = "download_request"
	KindDownloadReply      Kind = "download_reply"
	KindDownloadChunk      Kind = "download_chunk"
	KindDownloadComplete   Kind = "download_complete"
	KindDownloadAbort      Kind = "download_abort"
	KindTracerouteRequest  Kind = "traceroute_request"
	KindTracerouteReply    Kind = "traceroute_reply"
)

// ErrUnknownKind is returned when an envelope carries a tag with no payload type.
var ErrUnknownKind = errors.New("unknown message kind")

// Message is implemented by every payload type. The set is closed: Decode
// only produces the types declared in this file.
type Message interface {
	Kind() Kind
}

// ContentInfoRequest asks a neighbor for its catalog.
type ContentInfoRequest struct{}

// ContentInfoReply carries the responder's catalog.
type ContentInfoReply struct {
	Contents []ContentRef `json:"contents"`
}

// ProviderRequest asks for holders of a content item. Filter encodes the
// peers the requester already knows about.
type ProviderRequest struct {
	RequestID          string `json:"request_id"`
	ContentID          int64  `json:"content_id"`
	Filter             []byte `json:"filter"`
	Capacity           uint32 `json:"capacity"`
	Expected           uint32 `json:"expected"`
	AnnouncesOwnership bool   `json:"announces_ownership"`
}

// ProviderReply lists providers the responder knows for ContentID.
type ProviderReply struct {
	RequestID string     `json:"request_id"`
	ContentID int64      `json:"content_id"`
	Providers []PeerInfo `json:"providers"`
}

// DownloadRequest opens a transfer session with a provider.
type DownloadRequest struct {
	SessionID string `json:"session_id"`
	ContentID int64  `json:"content_id"`
}

// DownloadReply answers a DownloadRequest. Found is false when the provider
// does not hold the content.
type DownloadReply struct {
	SessionID string     `json:"session_id"`
	Found     bool       `json:"found"`
	Content   ContentRef `json:"content"`
}

// DownloadChunk carries one numbered slice of the content.
type DownloadChunk struct {
	SessionID string `json:"session_id"`
	ContentID int64  `json:"content_id"`
	ChunkNo   uint32 `json:"chunk_no"`
	Data      []byte `json:"data"`
}

// DownloadComplete ends a transfer with the provider's digest and the number
// of chunks it sent.
type DownloadComplete struct {
	SessionID string `json:"session_id"`
	ContentID int64  `json:"content_id"`
	Digest    []byte `json:"digest"`
	Chunks    uint32 `json:"chunks"`
}

// DownloadAbort tells the requester the provider gave up on a transfer.
type DownloadAbort struct {
	SessionID string `json:"session_id"`
	ContentID int64  `json:"content_id"`
	Reason    string `json:"reason"`
}

// TracerouteRequest asks the receiver for its AS vector toward the sender.
type TracerouteRequest struct {
	RequestID string `json:"request_id"`
}

// TracerouteReply carries the AS vector, nearest hop first.
type TracerouteReply struct {
	RequestID string   `json:"request_id"`
	Vector    []uint32 `json:"vector"`
}

func (ContentInfoRequest) Kind() Kind { return KindContentInfoRequest }
func (ContentInfoReply) Kind() Kind   { return KindContentInfoReply }
func (ProviderRequest) Kind() Kind    { return KindProviderRequest }
func (ProviderReply) Kind() Kind      { return KindProviderReply }
func (DownloadRequest) Kind() Kind    { return KindDownloadRequest }
func (DownloadReply) Kind() Kind      { return KindDownloadReply }
func (DownloadChunk) Kind() Kind      { return KindDownloadChunk }
func (DownloadComplete) Kind() Kind   { return KindDownloadComplete }
func (DownloadAbort) Kind() Kind      { return KindDownloadAbort }
func (TracerouteRequest) Kind() Kind  { return KindTracerouteRequest }
func (TracerouteReply) Kind() Kind    { return KindTracerouteReply }

// Envelope is the unit written on the wire.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Sender  PeerInfo        `json:"sender"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps msg into an envelope stamped with the sender.
func Encode(sender PeerInfo, msg Message) (*Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Kind(), err)
	}
	return &Envelope{Kind: msg.Kind(), Sender: sender, Payload: payload}, nil
}

// Decode returns the typed payload of the envelope.
func (e *Envelope) Decode() (Message, error) {
	switch e.Kind {
	case KindContentInfoRequest:
		return decodeAs[ContentInfoRequest](e)
	case KindContentInfoReply:
		return decodeAs[ContentInfoReply](e)
	case KindProviderRequest:
		return decodeAs[ProviderRequest](e)
	case KindProviderReply:
		return decodeAs[ProviderReply](e)
	case KindDownloadRequest:
		return decodeAs[DownloadRequest](e)
	case KindDownloadReply:
		return decodeAs[DownloadReply](e)
	case KindDownloadChunk:
		return decodeAs[DownloadChunk](e)
	case KindDownloadComplete:
		return decodeAs[DownloadComplete](e)
	case KindDownloadAbort:
		return decodeAs[DownloadAbort](e)
	case KindTracerouteRequest:
		return decodeAs[TracerouteRequest](e)
	case KindTracerouteReply:
		return decodeAs[TracerouteReply](e)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
}

func decodeAs[T Message](e *Envelope) (Message, error) {
	var msg T
	if len(e.Payload) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", e.Kind, err)
	}
	return msg, nil
}
