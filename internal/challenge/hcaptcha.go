package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultSiteverifyURL is hCaptcha's verification endpoint.
const DefaultSiteverifyURL = "https://api.hcaptcha.com/siteverify"

// CaptchaVerifier checks a challenge response. Implementations must fail
// closed: any doubt means not passed.
type CaptchaVerifier interface {
	Verify(ctx context.Context, response, remoteIP string) (bool, error)
}

// HCaptcha verifies challenge responses against the hCaptcha API.
type HCaptcha struct {
	secret   string
	endpoint string
	http     *http.Client
}

// NewHCaptcha creates a verifier using the given account secret.
func NewHCaptcha(secret string) *HCaptcha {
	return &HCaptcha{
		secret:   secret,
		endpoint: DefaultSiteverifyURL,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify submits the widget response to the siteverify endpoint. An API
// error or a malformed reply counts as not passed.
func (h *HCaptcha) Verify(ctx context.Context, response, remoteIP string) (bool, error) {
	if response == "" {
		return false, nil
	}

	form := url.Values{
		"secret":   {h.secret},
		"response": {response},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("challenge: siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("challenge: siteverify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("challenge: siteverify status %d", resp.StatusCode)
	}

	var body struct {
		Success    bool     `json:"success"`
		ErrorCodes []string `json:"error-codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("challenge: decode siteverify: %w", err)
	}
	return body.Success, nil
}
