package identity

import (
	"context"
	"fmt"
	"net/http"
)

// ProfileClient fetches user profiles from a userinfo endpoint, presenting the
// caller's own bearer token.
type ProfileClient struct {
	client   *http.Client
	endpoint string
}

func NewProfileClient(client *http.Client, endpoint string) *ProfileClient {
	return &ProfileClient{client: client, endpoint: endpoint}
}

// Fetch returns the raw response body. Non-2xx answers are *StatusError;
// parsing is left to the caller.
func (p *ProfileClient) Fetch(ctx context.Context, bearer string) (string, error) {
	body, err := get(ctx, p.client, p.endpoint, bearer)
	if err != nil {
		return "", fmt.Errorf("fetch profile: %w", err)
	}
	return string(body), nil
}

func (p *ProfileClient) Endpoint() string { return p.endpoint }
