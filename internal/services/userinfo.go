package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/tidwall/gjson"
)

// GoogleUserInfoURL is Google's OAuth2 userinfo endpoint.
const GoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// UserInfo exchanges an opaque bearer token for the profile of the account it belongs to.
type UserInfo struct {
	endpoint string

	client *http.Client

	logger *slog.Logger
}

// NewUserInfo creates a UserInfo querying endpoint. An empty endpoint selects GoogleUserInfoURL.
func NewUserInfo(endpoint string, logger *slog.Logger) UserInfo {
	if endpoint == "" {
		endpoint = GoogleUserInfoURL
	}
	return UserInfo{
		endpoint: endpoint,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "userinfo")),
	}
}

// Profile resolves token to a profile. Both the OAuth2 field names (name, picture) and the Firebase
// ones (displayName, photoURL) are understood.
func (u UserInfo) Profile(ctx context.Context, token string) (models.Profile, error) {
	if token == "" {
		return models.Profile{}, &models.ValidationError{Message: "No token provided"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.endpoint, nil)
	if err != nil {
		return models.Profile{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := u.client.Do(req)
	if err != nil {
		return models.Profile{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.Profile{}, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		u.logger.Warn("Userinfo request rejected", slog.Int("status", resp.StatusCode))
		return models.Profile{}, fmt.Errorf("token invalid or expired: %w", &models.UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		})
	}
	if !gjson.ValidBytes(body) {
		return models.Profile{}, fmt.Errorf("invalid userinfo response: %s", body)
	}

	r := gjson.GetManyBytes(body, "name", "displayName", "email", "picture", "photoURL")
	return models.Profile{
		Name:    firstOf(r[0], r[1]),
		Email:   r[2].String(),
		Picture: firstOf(r[3], r[4]),
	}, nil
}

func firstOf(results ...gjson.Result) string {
	for _, r := range results {
		if s := r.String(); s != "" {
			return s
		}
	}
	return ""
}
