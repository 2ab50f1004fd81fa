// Package wire defines the node's message schema and its self-describing
// textual encoding (spec §6): each message is a tagged object carrying its
// variant name and named fields; field order is irrelevant, numbers are
// decimal, and byte strings are base64. Every variant here corresponds to a
// contract in spec §4.3.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Type tags the wire envelope's "type" field; see spec §4.3.
type Type string

const (
	TypeHeartbeat          Type = "Heartbeat"
	TypeHeartbeatAck       Type = "HeartbeatAck"
	TypeEncryptionRequest  Type = "EncryptionRequest"
	TypeEncryptionResponse Type = "EncryptionResponse"
	TypeElection           Type = "Election"
	TypeElectionOk         Type = "ElectionOk"
	TypeCoordinator        Type = "Coordinator"

	// Surrounding, non-core variants (spec §4.3, §6) — orthogonal to the
	// load/election/forwarding logic.
	TypeSessionRegister    Type = "SessionRegister"
	TypeSessionAck         Type = "SessionAck"
	TypeCheckUsername      Type = "CheckUsername"
	TypeCheckUsernameAck   Type = "CheckUsernameAck"
	TypeSendImage          Type = "SendImage"
	TypeSendImageAck       Type = "SendImageAck"
	TypeListImages         Type = "ListImages"
	TypeListImagesAck      Type = "ListImagesAck"
	TypeViewImageRequest   Type = "ViewImageRequest"
	TypeViewImageResponse  Type = "ViewImageResponse"
)

// Heartbeat is a one-way liveness/load announcement (spec §4.3, §4.7).
type Heartbeat struct {
	Type           Type    `json:"type"`
	From           int     `json:"from"`
	Load           float64 `json:"load"`
	ProcessedCount int64   `json:"processed_count"`
}

// HeartbeatAck replies to a Heartbeat with the receiver's own load.
type HeartbeatAck struct {
	Type           Type    `json:"type"`
	From           int     `json:"from"`
	Load           float64 `json:"load"`
	ProcessedCount int64   `json:"processed_count"`
}

// EncryptionRequest carries an image and its access-control metadata.
// OriginalClientEndpoint preserves the client's reply address across a
// coordinator-to-worker forward (spec §6, "Request endpoint preservation").
type EncryptionRequest struct {
	Type                   Type     `json:"type"`
	RequestID              string   `json:"request_id"`
	ClientUsername         string   `json:"client_username"`
	ImageBytes             []byte   `json:"image_bytes"`
	AuthorizedUsernames    []string `json:"authorized_usernames"`
	Quota                  int      `json:"quota"`
	Forwarded              bool     `json:"forwarded"`
	OriginalClientEndpoint string   `json:"original_client_endpoint"`
}

// EncryptionResponse is the reply to an EncryptionRequest, sent directly to
// the original client endpoint, never to a forwarding intermediary.
type EncryptionResponse struct {
	Type           Type   `json:"type"`
	RequestID      string `json:"request_id"`
	EncryptedBytes []byte `json:"encrypted_bytes"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

// Election broadcasts a load-biased Bully election trigger (spec §4.7).
type Election struct {
	Type Type    `json:"type"`
	From int     `json:"from"`
	Load float64 `json:"load"`
}

// ElectionOk is a peer's response to an Election broadcast.
type ElectionOk struct {
	Type Type    `json:"type"`
	From int     `json:"from"`
	Load float64 `json:"load"`
}

// Coordinator announces the winner of an election.
type Coordinator struct {
	Type Type    `json:"type"`
	From int     `json:"from"`
	Load float64 `json:"load"`
}

// SessionRegister / SessionAck, CheckUsername / CheckUsernameAck,
// SendImage / SendImageAck, ListImages / ListImagesAck, and
// ViewImageRequest / ViewImageResponse are the surrounding, non-core
// directory operations named in spec §4.3 and §6 for interface
// completeness only.

type SessionRegister struct {
	Type     Type   `json:"type"`
	Username string `json:"username"`
}

type SessionAck struct {
	Type  Type   `json:"type"`
	Token string `json:"token"`
}

type CheckUsername struct {
	Type     Type   `json:"type"`
	Username string `json:"username"`
}

type CheckUsernameAck struct {
	Type      Type `json:"type"`
	Available bool `json:"available"`
}

type SendImage struct {
	Type           Type   `json:"type"`
	Token          string `json:"token"`
	From           string `json:"from"`
	To             string `json:"to"`
	EncryptedBytes []byte `json:"encrypted_bytes"`
	MaxViews       int    `json:"max_views"`
}

type SendImageAck struct {
	Type    Type   `json:"type"`
	ImageID string `json:"image_id"`
}

type ListImages struct {
	Type     Type   `json:"type"`
	Token    string `json:"token"`
	Username string `json:"username"`
}

type ImageSummary struct {
	ImageID        string `json:"image_id"`
	SenderUsername string `json:"sender_username"`
	RemainingViews int    `json:"remaining_views"`
	MaxViews       int    `json:"max_views"`
	TimestampUnix  int64  `json:"timestamp_unix"`
}

type ListImagesAck struct {
	Type   Type           `json:"type"`
	Images []ImageSummary `json:"images"`
}

type ViewImageRequest struct {
	Type     Type   `json:"type"`
	Token    string `json:"token"`
	Username string `json:"username"`
	ImageID  string `json:"image_id"`
}

type ViewImageResponse struct {
	Type           Type   `json:"type"`
	EncryptedBytes []byte `json:"encrypted_bytes"`
	RemainingViews int    `json:"remaining_views"`
	Error          string `json:"error,omitempty"`
}

// Encode serializes a message struct to its wire form. Callers must set the
// struct's Type field before encoding.
func Encode(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// PeekType extracts just the "type" field from a wire-encoded message,
// without decoding the rest of the payload.
func PeekType(data []byte) (Type, error) {
	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("missing type field")
	}
	return envelope.Type, nil
}

// Decode parses a wire-encoded message into the concrete struct matching its
// "type" tag. It first unmarshals into a generic map (so field order and
// unrecognized fields never matter) and then uses mapstructure, with a
// decode hook that turns base64-encoded JSON strings back into []byte, to
// populate the target struct.
func Decode(data []byte) (Type, interface{}, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, fmt.Errorf("decode wire message: %w", err)
	}

	typeVal, _ := raw["type"].(string)
	msgType := Type(typeVal)
	if msgType == "" {
		return "", nil, fmt.Errorf("wire message missing type field")
	}

	target, ok := newMessage(msgType)
	if !ok {
		return "", nil, fmt.Errorf("unknown message type %q", msgType)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       base64StringToBytesHook,
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return "", nil, fmt.Errorf("decode %s payload: %w", msgType, err)
	}

	return msgType, target, nil
}

func newMessage(t Type) (interface{}, bool) {
	switch t {
	case TypeHeartbeat:
		return &Heartbeat{}, true
	case TypeHeartbeatAck:
		return &HeartbeatAck{}, true
	case TypeEncryptionRequest:
		return &EncryptionRequest{}, true
	case TypeEncryptionResponse:
		return &EncryptionResponse{}, true
	case TypeElection:
		return &Election{}, true
	case TypeElectionOk:
		return &ElectionOk{}, true
	case TypeCoordinator:
		return &Coordinator{}, true
	case TypeSessionRegister:
		return &SessionRegister{}, true
	case TypeSessionAck:
		return &SessionAck{}, true
	case TypeCheckUsername:
		return &CheckUsername{}, true
	case TypeCheckUsernameAck:
		return &CheckUsernameAck{}, true
	case TypeSendImage:
		return &SendImage{}, true
	case TypeSendImageAck:
		return &SendImageAck{}, true
	case TypeListImages:
		return &ListImages{}, true
	case TypeListImagesAck:
		return &ListImagesAck{}, true
	case TypeViewImageRequest:
		return &ViewImageRequest{}, true
	case TypeViewImageResponse:
		return &ViewImageResponse{}, true
	default:
		return nil, false
	}
}
