// Package sso implements social login: redirect-based OAuth2 and OpenID
// Connect providers plus the identity linker that turns a provider's
// assertion into a local user and session.
//
// Providers normalize whatever the remote side returns into a Profile:
// an external account id, an email address, and whether the provider vouches
// for that address. The Linker owns everything after that. A known
// (provider, account id) pair signs in its linked user; an unknown pair with
// an email matching an existing account links to that account; anything else
// provisions a fresh user on the spot. Assertion failures (bad code, bad
// state, unverifiable token) surface as auth.ErrInvalidAssertion and persist
// nothing.
package sso
