package http

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/natsclient"
)

// SubRequest is the CBOR message a nats location sends to its subject.
type SubRequest struct {
	RequestID string `cbor:"request_id,omitempty"`
	Path      string `cbor:"path"`
	Args      string `cbor:"args,omitempty"`
	Payload   []byte `cbor:"payload,omitempty"`
}

// SubReply is the CBOR reply expected from a nats location. A zero Status
// means 200.
type SubReply struct {
	Status int    `cbor:"status,omitempty"`
	Body   []byte `cbor:"body,omitempty"`
}

// EncodeSubRequest encodes req for the wire.
func EncodeSubRequest(req SubRequest) ([]byte, error) {
	return cbor.Marshal(req)
}

// DecodeSubRequest decodes a request received on a nats location subject.
func DecodeSubRequest(data []byte) (SubRequest, error) {
	var req SubRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return SubRequest{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrProtocolViolation, err),
			"SubRequest", "Decode", "decode cbor request")
	}
	return req, nil
}

// EncodeSubReply encodes reply for the wire.
func EncodeSubReply(reply SubReply) ([]byte, error) {
	return cbor.Marshal(reply)
}

// DecodeSubReply decodes a nats location reply.
func DecodeSubReply(data []byte) (SubReply, error) {
	var reply SubReply
	if len(data) == 0 {
		return reply, errors.WrapInvalid(fmt.Errorf("%w: empty reply", errors.ErrProtocolViolation),
			"SubReply", "Decode", "decode cbor reply")
	}
	if err := cbor.Unmarshal(data, &reply); err != nil {
		return SubReply{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrProtocolViolation, err),
			"SubReply", "Decode", "decode cbor reply")
	}
	if reply.Status == 0 {
		reply.Status = 200
	}
	return reply, nil
}

// NATSResponder adapts fn into a natsclient.Handler that speaks the nats
// location envelope, for services answering a gateway subject.
func NATSResponder(fn func(ctx context.Context, req SubRequest) (SubReply, error)) natsclient.Handler {
	return func(ctx context.Context, data []byte) ([]byte, error) {
		req, err := DecodeSubRequest(data)
		if err != nil {
			return nil, err
		}
		reply, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return EncodeSubReply(reply)
	}
}
