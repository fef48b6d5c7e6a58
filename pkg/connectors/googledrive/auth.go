package googledrive

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jscharber/coursemirror/pkg/connectors"
)

// AuthCodeURL builds the consent URL. Offline access with forced approval
// makes Google issue a refresh token on every consent.
func (c *GoogleDriveConnector) AuthCodeURL(ctx context.Context, state string) (string, error) {
	return c.Base.AuthCodeURL(ctx, state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Revoke revokes the stored grant at Google, then forgets the local tokens.
// The local tokens are cleared even when the remote call fails.
func (c *GoogleDriveConnector) Revoke(ctx context.Context) error {
	ctx, span := c.StartSpan(ctx, "revoke")
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	refresh, access, err := c.StoredTokens(ctx)
	if err != nil {
		return err
	}

	token := refresh
	if token == "" {
		token = access
	}
	if token != "" {
		if rerr := c.revokeRemote(ctx, token); rerr != nil {
			c.Logger().Warn("remote token revocation failed", zap.Error(rerr))
		}
	}

	err = c.ForgetTokens(ctx)
	return err
}

// Helper methods

func (c *GoogleDriveConnector) revokeRemote(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed with status: %d", resp.StatusCode)
	}
	return nil
}
