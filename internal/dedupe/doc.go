// Package dedupe suppresses repeated agent payloads within a time window.
// Keys are built with PayloadKey so identical file contents resent by an
// agent after a reconnect are fanned out only once.
package dedupe
