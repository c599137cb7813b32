// Package auth defines the agent identity model and its cryptographic primitives.
//
// # Credentials
//
// Agents authenticate with API keys of the form ag_<base64url(32 random bytes)>. Only a bcrypt
// hash of the full key is stored, plus the first eight characters as a non-secret lookup prefix.
// Several credentials may share a prefix, so verification always compares against every
// candidate:
//
//	tg := auth.NewTokenGenerator(auth.DefaultHashCost)
//	secret, _ := tg.Generate(auth.APIKeyTag)
//	hash, _ := tg.Hash(secret)
//	prefix := auth.LookupPrefix(secret, auth.APIKeyPrefixLength)
//
// Claim tokens use the agclaim_ tag and a sixteen character prefix.
//
// # Capability tokens
//
// CapabilityIssuer signs HS256 JWTs for older clients. They are still accepted when a signing
// secret is configured, but Refresh always fails with ErrGone.
//
// # Errors
//
// Every failure surfaced by the identity layer is an *Error carrying an ErrorCode. Compare with
// errors.Is against the sentinels:
//
//	if errors.Is(err, auth.ErrClaimTokenUsed) {
//		...
//	}
//
// Internal failures keep their cause in Err for logs; callers only see "internal error".
//
// # Audit
//
// AuditLogger writes security events as structured log entries tagged audit=true.
package auth
