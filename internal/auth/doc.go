// Package auth signs the bearer tokens the editor host presents to the agent
// backend.
//
// Tokens are HS256 JWTs carrying sub, iat, and exp claims, signed with the
// configured agent.jwt_secret. JWTSigner caches the current token and only
// signs a new one shortly before the old one expires, so a long streaming
// turn and its command-result callbacks share a token.
package auth
