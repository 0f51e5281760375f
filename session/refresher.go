package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/programme-lv/submfeed/auth"
)

// HTTPRefresher calls the server's POST /auth/refresh endpoint.
type HTTPRefresher struct {
	BaseURL    string
	HTTPClient *http.Client
}

var _ Refresher = (*HTTPRefresher)(nil)

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	Status  string         `json:"status"`
	Data    auth.TokenPair `json:"data"`
	ErrCode string         `json:"code"`
	ErrMsg  string         `json:"message"`
}

// RefreshError reports a refresh the server answered with a non-2xx status.
type RefreshError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh rejected with status %d: %s (%s)", e.StatusCode, e.Message, e.Code)
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return auth.TokenPair{}, err
	}
	url := strings.TrimRight(r.BaseURL, "/") + "/auth/refresh"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode < 300 {
		return auth.TokenPair{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || decoded.Status != "success" {
		return auth.TokenPair{}, &RefreshError{StatusCode: resp.StatusCode, Code: decoded.ErrCode, Message: decoded.ErrMsg}
	}
	if decoded.Data.AccessToken == "" {
		return auth.TokenPair{}, fmt.Errorf("refresh response carried no access token")
	}
	return decoded.Data, nil
}
