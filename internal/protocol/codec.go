// ABOUTME: JSON envelope encoding and exhaustive decoding of tagged events
// ABOUTME: Unknown kinds and malformed payloads are errors, never passed through

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned when an envelope names a kind the decoder does not handle.
var ErrUnknownEvent = errors.New("unknown event kind")

// ErrMalformed is returned when an envelope or payload cannot be parsed.
var ErrMalformed = errors.New("malformed event")

// Encode wraps ev in an Envelope and marshals it.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Type: ev.Kind(), Payload: payload})
}

// DecodeInbound parses a frame received by the gateway.
func DecodeInbound(data []byte) (Inbound, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case KindAgentPayload:
		return decodePayload[AgentPayload](env)
	case KindViewerCheckSubscription:
		return decodePayload[ViewerCheckSubscription](env)
	case KindStartAnalysisSession:
		return decodePayload[StartAnalysisSession](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// DecodeOutbound parses a frame sent by the gateway.
func DecodeOutbound(data []byte) (Outbound, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case KindConnectionAdmitted:
		return decodePayload[ConnectionAdmitted](env)
	case KindConnectionRejected:
		return decodePayload[ConnectionRejected](env)
	case KindSubscriptionResult:
		return decodePayload[SubscriptionResult](env)
	case KindTenantStatus:
		return decodePayload[TenantStatus](env)
	case KindLiveUpdate:
		return decodePayload[LiveUpdate](env)
	case KindSetFilters:
		return decodePayload[SetFilters](env)
	case KindAckStartSession:
		return decodePayload[AckStartSession](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

func decodePayload[T Event](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return v, nil
}
