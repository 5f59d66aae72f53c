// Package auth resolves who is making a request for support-gateway.
//
// Identity is issued elsewhere; this package only verifies it and hands the
// result to handlers as a Viewer{ID, Role}.
//
// # Roles
//
//   - admin, team_member: staff. They see internal notes and every active
//     conversation.
//   - client: sees only their own conversation, never internal notes.
//
// # Identities
//
//   - JWTIdentity: HS256 bearer tokens with "sub" and "role" claims. Secrets
//     shorter than MinSecretLength are refused.
//   - HeaderIdentity: trusts X-Viewer-ID and X-Viewer-Role. Development only.
//
// # HTTP Middleware
//
//	handler = auth.HTTPAuthMiddleware(identity, logger)(handler)
//
// The middleware attaches the Viewer with WithViewer. Requests with no
// credentials pass through anonymously; handlers retrieve the viewer with
// ViewerFromContext and decide whether anonymous access is allowed. Requests
// with bad or expired credentials get 401.
package auth
