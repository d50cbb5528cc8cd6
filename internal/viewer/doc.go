// Package viewer holds the per-tenant sets of subscribed viewer connections.
package viewer
