// Package auth authenticates the callers of the HTTP surface. An
// Authenticator turns a bearer token into a UserInfo; the transport extracts
// the token and maps ErrUnauthorized and ErrInsufficientScope onto HTTP
// challenges.
//
// # Access Token Authentication
//
// NewFromDiscovery validates RFC 9068 access tokens using OpenID Connect
// discovery to locate the issuer's JWKS. NewFromJWKS skips discovery and
// takes the JWKS URL directly. Both refresh keys in the background for the
// lifetime of the supplied context.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example.com",
//		[]string{"https://mcp.example.com"},
//		auth.WithRequiredScopes("mcp:read"),
//	)
//
// The subject claim becomes UserInfo.UserID and is what sessions and task
// contexts are bound to.
//
// # Protected Resource Metadata
//
// ProtectedResourceMetadata is an http.Handler for the RFC 9728 document.
// Mount it at ProtectedResourceMetadataPath and point the transport's
// challenges at it so clients can find the authorization server.
package auth
