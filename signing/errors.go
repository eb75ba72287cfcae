package signing

import "errors"

// Sentinel errors for signing operations.
var (
	ErrUnsupportedAlgorithm = errors.New("signing: unsupported algorithm")
	ErrInvalidKey           = errors.New("signing: key does not match algorithm")
	ErrKeyNotFound          = errors.New("signing: key not found")
	ErrKeyRevoked           = errors.New("signing: key revoked")
	ErrNoPrivateKey         = errors.New("signing: private key not available")
	ErrInvalidPEM           = errors.New("signing: invalid PEM key")
	ErrMissingSignature     = errors.New("signing: request is not signed")
	ErrMalformedSignature   = errors.New("signing: malformed signature headers")
	ErrStaleSignature       = errors.New("signing: signature timestamp outside allowed window")
	ErrInvalidSignature     = errors.New("signing: signature verification failed")
)
