// ABOUTME: Tagged event kinds exchanged between agents, viewers, and the gateway
// ABOUTME: Each kind has exactly one payload struct; decoding rejects unknown kinds

package protocol

import (
	"encoding/json"
	"time"
)

// Kind names an event on the wire.
type Kind string

// Inbound kinds sent by agents and viewers.
const (
	KindAgentPayload            Kind = "agent_payload"
	KindViewerCheckSubscription Kind = "viewer_check_subscription"
	KindStartAnalysisSession    Kind = "start_analysis_session"
)

// Outbound kinds emitted by the gateway.
const (
	KindConnectionAdmitted Kind = "connection_admitted"
	KindConnectionRejected Kind = "connection_rejected"
	KindSubscriptionResult Kind = "subscription_result"
	KindTenantStatus       Kind = "tenant_status"
	KindLiveUpdate         Kind = "live_update"
	KindSetFilters         Kind = "set_filters"
	KindAckStartSession    Kind = "ack_start_session"
)

// Rejection reasons carried by ConnectionRejected.
const (
	ReasonTenantCollision = "tenant_collision"
	ReasonSessionConflict = "session_conflict"
	ReasonInvalidRequest  = "invalid_request"
)

// Tenant status values carried by TenantStatus.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Ack status values carried by AckStartSession.
const (
	AckSuccess = "success"
	AckError   = "error"
)

// Encoding values for AgentPayload.Encoding.
const (
	EncodingPlain      = ""
	EncodingZstdBase64 = "zstd+base64"
)

// Envelope is the JSON frame every event travels in.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is any typed event.
type Event interface {
	Kind() Kind
}

// Inbound is an event the gateway receives from a connection.
type Inbound interface {
	Event
	inbound()
}

// Outbound is an event the gateway sends to a connection.
type Outbound interface {
	Event
	outbound()
}

// Filters select which instrument files an agent streams.
type Filters struct {
	Handle        string `json:"handle"`
	Frequencies   []int  `json:"frequencies"`
	RangeStart    int    `json:"range_start"`
	RangeEnd      int    `json:"range_end"`
	FileExtension string `json:"file_extension,omitempty"`
}

// AgentPayload carries one measurement file from an agent. Either SessionID or
// TenantID names the route; SessionID wins when both are set.
type AgentPayload struct {
	SessionID string `json:"session_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	Encoding  string `json:"encoding,omitempty"`
}

// ViewerCheckSubscription asks to follow a tenant's live data.
type ViewerCheckSubscription struct {
	TenantID string `json:"tenant_id"`
}

// StartAnalysisSession asks the tenant's agent to restart monitoring with new filters.
type StartAnalysisSession struct {
	TenantID       string          `json:"tenant_id"`
	Filters        *Filters        `json:"filters,omitempty"`
	AnalysisParams json.RawMessage `json:"analysis_params,omitempty"`
}

// ConnectionAdmitted acknowledges an agent registration.
type ConnectionAdmitted struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Resumed   bool   `json:"resumed"`
}

// ConnectionRejected declines an agent registration.
type ConnectionRejected struct {
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
	Message  string `json:"message"`
}

// SubscriptionResult answers ViewerCheckSubscription. Remote is set when the
// agent is bound to another gateway instance; live updates are not relayed
// between instances, so none will arrive on this connection.
type SubscriptionResult struct {
	TenantID       string     `json:"tenant_id"`
	Connected      bool       `json:"connected"`
	Remote         bool       `json:"remote,omitempty"`
	ViewerCount    int        `json:"viewer_count,omitempty"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
}

// TenantStatus reports an agent going online or offline.
type TenantStatus struct {
	TenantID  string    `json:"tenant_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// LiveUpdate is a file payload fanned out to a tenant's viewers.
type LiveUpdate struct {
	TenantID   string    `json:"tenant_id"`
	Filename   string    `json:"filename"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`
}

// SetFilters instructs an agent to restart monitoring.
type SetFilters struct {
	Filters
}

// AckStartSession answers StartAnalysisSession.
type AckStartSession struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (AgentPayload) Kind() Kind            { return KindAgentPayload }
func (ViewerCheckSubscription) Kind() Kind { return KindViewerCheckSubscription }
func (StartAnalysisSession) Kind() Kind    { return KindStartAnalysisSession }
func (ConnectionAdmitted) Kind() Kind      { return KindConnectionAdmitted }
func (ConnectionRejected) Kind() Kind      { return KindConnectionRejected }
func (SubscriptionResult) Kind() Kind      { return KindSubscriptionResult }
func (TenantStatus) Kind() Kind            { return KindTenantStatus }
func (LiveUpdate) Kind() Kind              { return KindLiveUpdate }
func (SetFilters) Kind() Kind              { return KindSetFilters }
func (AckStartSession) Kind() Kind         { return KindAckStartSession }

func (AgentPayload) inbound()            {}
func (ViewerCheckSubscription) inbound() {}
func (StartAnalysisSession) inbound()    {}

func (ConnectionAdmitted) outbound() {}
func (ConnectionRejected) outbound() {}
func (SubscriptionResult) outbound() {}
func (TenantStatus) outbound()       {}
func (LiveUpdate) outbound()         {}
func (SetFilters) outbound()         {}
func (AckStartSession) outbound()    {}
