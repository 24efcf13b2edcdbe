// Package identity authenticates marketplace actors.
//
// It provides:
//   - TokenIssuer:       issues and verifies HS256 user session JWTs carrying
//     the actor's user id and marketplace role
//   - RequireUserToken:  Gin middleware enforcing a Bearer session token
//   - RequireRole:       Gin middleware restricting a route to given roles
//
// Registration and login live in the external identity store; this package
// only trusts tokens signed with the shared secret.
package identity
