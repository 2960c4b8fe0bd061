package tegro

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

// Authenticator decorates outbound requests with a wallet signature.
type Authenticator struct {
	signer Signer
	wallet string
}

// NewAuthenticator binds a signer to the wallet address it signs for.
func NewAuthenticator(signer Signer, wallet string) *Authenticator {
	return &Authenticator{signer: signer, wallet: wallet}
}

// Decorate signs the wallet address and merges the signature into a POST body.
// Other methods pass through unchanged.
func (a *Authenticator) Decorate(req *http.Request) error {
	if req == nil || req.Method != http.MethodPost {
		return nil
	}
	body := map[string]any{}
	if req.Body != nil && req.Body != http.NoBody {
		raw, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return fmt.Errorf("read request body: %w", err)
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&body); err != nil {
				return fmt.Errorf("decode request body: %w", err)
			}
		}
	}
	signature, err := SignMessage(a.signer, a.wallet)
	if err != nil {
		return fmt.Errorf("sign wallet address: %w", err)
	}
	body["signature"] = signature

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(encoded))
	req.ContentLength = int64(len(encoded))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(encoded)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	return nil
}

// DecorateWS returns the frame unchanged; Tegro streams are public.
func (a *Authenticator) DecorateWS(frame []byte) []byte {
	return frame
}
