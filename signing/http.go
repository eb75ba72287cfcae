package signing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTP header names carrying a request signature.
const (
	HeaderSignature = "X-ETDI-Signature"
	HeaderKeyID     = "X-ETDI-Key-ID"
	HeaderAlgorithm = "X-ETDI-Algorithm"
	HeaderTimestamp = "X-ETDI-Timestamp"
)

// SetHeaders writes sr's signature headers to h. The payload itself travels
// as the request.
func SetHeaders(h http.Header, sr *SignedRequest) {
	h.Set(HeaderSignature, base64.RawURLEncoding.EncodeToString(sr.Signature))
	h.Set(HeaderKeyID, sr.KeyID)
	h.Set(HeaderAlgorithm, string(sr.Algorithm))
	h.Set(HeaderTimestamp, strconv.FormatInt(sr.SignedAt.Unix(), 10))
}

// HasSignature reports whether h carries a signature header.
func HasSignature(h http.Header) bool {
	return h.Get(HeaderSignature) != ""
}

// ParseHeaders rebuilds a SignedRequest from h and the payload the
// signature covers. It returns ErrMissingSignature when no signature header
// is present and ErrMalformedSignature when headers are incomplete.
func ParseHeaders(h http.Header, payload []byte) (*SignedRequest, error) {
	sigText := h.Get(HeaderSignature)
	if sigText == "" {
		return nil, ErrMissingSignature
	}
	keyID := h.Get(HeaderKeyID)
	algText := h.Get(HeaderAlgorithm)
	tsText := h.Get(HeaderTimestamp)
	if keyID == "" || algText == "" || tsText == "" {
		return nil, fmt.Errorf("%w: key id, algorithm and timestamp are required", ErrMalformedSignature)
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigText)
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding: %w", ErrMalformedSignature, err)
	}
	alg, err := ParseAlgorithm(algText)
	if err != nil {
		return nil, err
	}
	ts, err := strconv.ParseInt(tsText, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %w", ErrMalformedSignature, err)
	}
	return &SignedRequest{
		Payload:   payload,
		Signature: sig,
		Algorithm: alg,
		KeyID:     keyID,
		SignedAt:  time.Unix(ts, 0).UTC(),
	}, nil
}

// SignHTTPRequest signs req's method, path and body and sets the signature
// headers. The body is buffered and restored.
func SignHTTPRequest(req *http.Request, signer *Signer) error {
	body, err := readBody(req)
	if err != nil {
		return err
	}
	sr, err := signer.Sign(req.Context(), HTTPPayload(req.Method, req.URL.Path, body))
	if err != nil {
		return err
	}
	SetHeaders(req.Header, sr)
	return nil
}

// ParseHTTPSignature reads the signature headers and body of req. The body
// is restored so handlers can read it again.
func ParseHTTPSignature(req *http.Request) (*SignedRequest, error) {
	if !HasSignature(req.Header) {
		return nil, ErrMissingSignature
	}
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}
	return ParseHeaders(req.Header, HTTPPayload(req.Method, req.URL.Path, body))
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("signing: read body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	return body, nil
}
