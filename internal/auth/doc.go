// Package auth authenticates agents to the gateway.
//
// Agents prove possession of the shared secret by presenting an HS256 JWT in
// the Authorization header of their WebSocket upgrade. The token's "sub" claim
// must equal the tenant ID the agent asks to bind:
//
//	v := auth.NewJWTVerifier(secret)
//	token, _ := v.Generate(tenantID, auth.DefaultTokenLifetime)
//	err := v.AuthenticateAgent(r, tenantID) // server side
//
// Viewers are not authenticated; knowing a tenant ID is the capability.
package auth
