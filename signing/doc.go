// Package signing signs and verifies tool invocation requests.
//
// Signatures are detached: a SignedRequest carries the payload, the
// signature, the algorithm tag, the key id and the signing time. The signed
// input binds all four, so none can be altered without invalidating the
// signature. Supported algorithms are RS256, PS256, ES256 and ES384.
//
// Private keys are reached only through a KeySource, which lends a key for
// the duration of one signing call.
package signing
