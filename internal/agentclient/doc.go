// Package agentclient is the instrument-side half of the gateway protocol.
//
// A Client dials /ws/agent with a short-lived bearer token, waits for
// admission, and then serves set_filters instructions by restarting a
// watch.Scanner under a monitor.Controller. Files the scanner finds are sent
// as agent_payload events keyed by the client's session ID; large files are
// zstd-compressed.
//
// When the connection drops the client redials after ReconnectDelay with the
// same session ID, so a gateway with a reconnect grace period resumes the
// binding instead of treating it as a new agent. A connection_rejected reply
// ends Run without retrying: a tenant collision will not resolve itself.
package agentclient
