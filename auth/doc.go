// Package auth decides whether an HTTP request carrying a bearer token may
// reach a protected operation.
//
// The public surface is one capability, Authorizer, with two strategies
// selected at configuration time:
//
//   - Local verifies an RS256 JWT access token itself. The signing key is
//     resolved by kid from the trust domain's published key set, the signature
//     is checked, and exp, aud and iss are validated. The principal is the
//     decoded claim set.
//   - Delegated performs no cryptography. It forwards the Authorization header
//     and the operation's (resource, action) pair to a remote IAM service and
//     trusts its verdict. The principal is the service's response object.
//
// Example:
//
//	src, err := remote.New(remote.WithDomain("tenant.example.com"))
//	if err != nil { log.Fatal(err) }
//	authz, err := auth.NewLocal("tenant.example.com", "https://api.example.com", src)
//	if err != nil { log.Fatal(err) }
//
//	p, err := authz.Authorize(r.Context(), r.Header, auth.Permission{Resource: "demo:hello", Action: "read"})
//	if err != nil { gateerr.Write(w, gateerr.As(err), "") ; return }
//	sub := p.Subject()
//
// # Errors
//
// Every failure returned by an Authorizer is a *gateerr.Error, produced once
// where it was detected. Callers render it with gateerr.Write and never
// translate it.
//
// # Principals
//
// Principal is the verified payload, unmodified. The gate attaches it to the
// request context (WithPrincipal, PrincipalFromContext) and also hands it to
// protected operations as an explicit argument.
package auth
