// Package identity implements the agent credential lifecycle on top of a storage.SecretStore.
//
// Issuer registers agents and manages their API keys, Verifier resolves a bearer value to an
// auth.Identity, and ClaimService runs the one-time ownership transfer protocol. All
// coordination between concurrent requests goes through the store's atomic primitives; the
// services themselves hold no mutable state.
package identity
