package signing

import "net/http"

// Transport is an http.RoundTripper that signs every outbound request with
// Signer before passing it to Base.
type Transport struct {
	// Base performs the request. Default: http.DefaultTransport
	Base http.RoundTripper

	// Signer signs requests. A nil Signer passes requests through unsigned.
	Signer *Signer
}

// RoundTrip implements http.RoundTripper. The caller's request is not
// modified.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Signer == nil {
		return base.RoundTrip(req)
	}

	out := req.Clone(req.Context())
	if err := SignHTTPRequest(out, t.Signer); err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	return base.RoundTrip(out)
}

// Ensure Transport implements http.RoundTripper
var _ http.RoundTripper = (*Transport)(nil)
