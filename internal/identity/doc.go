// Package identity persists the agent's tenant ID.
package identity
