// Package identity verifies OIDC bearer tokens against an identity
// provider's published keys and fetches user profiles from its userinfo
// endpoint.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const wellKnownPath = "/.well-known/openid-configuration"

// maxBody caps every response read from the identity provider.
const maxBody = 1 << 20

var ErrResponseTooLarge = errors.New("response too large")

// Metadata is the subset of the provider configuration document we use.
type Metadata struct {
	Issuer           string `json:"issuer"`
	JWKSURI          string `json:"jwks_uri"`
	UserinfoEndpoint string `json:"userinfo_endpoint"`
}

// Discover fetches the provider configuration for idpURL. When rewrite is set,
// URLs in the document starting with rewrite get that prefix replaced by
// idpURL, for providers that advertise a public address the service cannot
// reach. The issuer is never rewritten since tokens carry the advertised one.
func Discover(ctx context.Context, client *http.Client, idpURL, rewrite string) (*Metadata, error) {
	idpURL = strings.TrimRight(idpURL, "/")

	var md Metadata
	if err := getJSON(ctx, client, idpURL+wellKnownPath, "", &md); err != nil {
		return nil, fmt.Errorf("discover %s: %w", idpURL, err)
	}
	if md.JWKSURI == "" {
		return nil, fmt.Errorf("discover %s: document has no jwks_uri", idpURL)
	}

	if rewrite = strings.TrimRight(rewrite, "/"); rewrite != "" {
		md.JWKSURI = rewritePrefix(md.JWKSURI, rewrite, idpURL)
		md.UserinfoEndpoint = rewritePrefix(md.UserinfoEndpoint, rewrite, idpURL)
	}
	return &md, nil
}

func rewritePrefix(u, from, to string) string {
	if strings.HasPrefix(u, from) {
		return to + strings.TrimPrefix(u, from)
	}
	return u
}

// getJSON performs a GET and decodes a JSON body, optionally sending bearer.
func getJSON(ctx context.Context, client *http.Client, url, bearer string, out any) error {
	body, err := get(ctx, client, url, bearer)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func get(ctx context.Context, client *http.Client, url, bearer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(body) > maxBody {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrResponseTooLarge, maxBody, url)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// StatusError is returned when the provider answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("identity provider returned status %d: %s", e.StatusCode, body)
}
