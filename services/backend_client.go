// services/backend_client.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"challenge-wager-service/models"
	"challenge-wager-service/utils"
)

// BackendClient is the typed wrapper over the remote BaaS. Every error it
// returns is a member of the closed taxonomy in models, never a raw
// transport or HTTP error.
type BackendClient interface {
	ListActiveChallenges(ctx context.Context, now time.Time) ([]models.Challenge, error)
	GetChallenge(ctx context.Context, id string) (*models.Challenge, error)
	JoinChallenge(ctx context.Context, challengeID, userID string) (*models.UserChallenge, error)
	CompleteDay(ctx context.Context, challengeID string) (*CompleteDayResult, error)
	FailChallenge(ctx context.Context, challengeID string) error
	GetUserChallenges(ctx context.Context, userID string) ([]models.UserChallenge, error)
	GetCurrentUser(ctx context.Context) (*models.User, error)
	IncrementHonestStreak(ctx context.Context, userID string) (int, error)
	ResetHonestStreak(ctx context.Context, userID string) (int, error)
	DepositBalance(ctx context.Context, amount float64) error
	WithdrawBalance(ctx context.Context, amount float64, destination, kind string) error
	UpdateUserAvatar(ctx context.Context, avatarURL string) error
}

// CompleteDayResult is the backend's response to the atomic complete-day
// operation.
type CompleteDayResult struct {
	CompletedDays []time.Time `json:"completed_days"`
	IsCompleted   bool        `json:"is_completed"`
	Payout        *float64    `json:"payout,omitempty"`
}

// HTTPBackendClient talks to the BaaS REST surface. ServiceKey identifies
// this client to the backend; SessionToken carries the user session. An
// empty session token means every call fails with AuthenticationRequired
// before touching the network.
type HTTPBackendClient struct {
	BaseURL      string
	ServiceKey   string
	SessionToken string
	Client       *http.Client
}

func NewHTTPBackendClient(baseURL, serviceKey, sessionToken string) *HTTPBackendClient {
	return &HTTPBackendClient{
		BaseURL:      baseURL,
		ServiceKey:   serviceKey,
		SessionToken: sessionToken,
		Client:       utils.NewHTTPClient(10 * time.Second),
	}
}

type backendErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do issues one request and folds every failure mode into the taxonomy.
func (c *HTTPBackendClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if c.SessionToken == "" {
		return models.ErrAuthenticationRequired
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return models.ErrInvalidData
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return models.ErrInvalidData
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.ServiceKey)
	req.Header.Set("Authorization", "Bearer "+c.SessionToken)

	resp, err := c.Client.Do(req)
	if err != nil {
		return models.ClassifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.ErrAuthenticationRequired
	case resp.StatusCode >= 400:
		var errBody backendErrorBody
		if json.Unmarshal(raw, &errBody) == nil {
			msg := errBody.Error
			if msg == "" {
				msg = errBody.Message
			}
			if msg != "" {
				return models.ClassifyBackendError(msg)
			}
		}
		log.Printf("Backend %s %s returned %d: %s", method, path, resp.StatusCode, string(raw))
		return &models.ServerError{Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Printf("Backend %s %s: undecodable response: %v (%s)", method, path, err, string(raw))
		return models.ErrInvalidData
	}
	return nil
}

func (c *HTTPBackendClient) ListActiveChallenges(ctx context.Context, now time.Time) ([]models.Challenge, error) {
	q := url.Values{}
	q.Set("active", "true")
	q.Set("ends_after", now.UTC().Format(time.RFC3339))
	var out struct {
		Challenges []models.Challenge `json:"challenges"`
	}
	if err := c.do(ctx, "GET", "/api/v1/challenges?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Challenges, nil
}

func (c *HTTPBackendClient) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	var out models.Challenge
	if err := c.do(ctx, "GET", "/api/v1/challenges/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinChallenge invokes the backend's atomic join function: verify balance,
// debit the entry fee, insert the participation row, all in one transaction.
// Duplicate calls surface AlreadyJoined, not duplicate rows.
func (c *HTTPBackendClient) JoinChallenge(ctx context.Context, challengeID, userID string) (*models.UserChallenge, error) {
	body := map[string]string{
		"challenge_id": challengeID,
		"user_id":      userID,
	}
	var out models.UserChallenge
	if err := c.do(ctx, "POST", "/api/v1/functions/join-challenge", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPBackendClient) CompleteDay(ctx context.Context, challengeID string) (*CompleteDayResult, error) {
	body := map[string]string{"challenge_id": challengeID}
	var out CompleteDayResult
	if err := c.do(ctx, "POST", "/api/v1/functions/complete-day", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPBackendClient) FailChallenge(ctx context.Context, challengeID string) error {
	body := map[string]string{"challenge_id": challengeID}
	return c.do(ctx, "POST", "/api/v1/functions/fail-challenge", body, nil)
}

func (c *HTTPBackendClient) GetUserChallenges(ctx context.Context, userID string) ([]models.UserChallenge, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	var out struct {
		UserChallenges []models.UserChallenge `json:"user_challenges"`
	}
	if err := c.do(ctx, "GET", "/api/v1/user-challenges?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.UserChallenges, nil
}

func (c *HTTPBackendClient) GetCurrentUser(ctx context.Context) (*models.User, error) {
	var out models.User
	if err := c.do(ctx, "GET", "/api/v1/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPBackendClient) IncrementHonestStreak(ctx context.Context, userID string) (int, error) {
	body := map[string]string{"user_id": userID}
	var out struct {
		HonestStreak int `json:"honest_streak"`
	}
	if err := c.do(ctx, "POST", "/api/v1/me/honest-streak/increment", body, &out); err != nil {
		return 0, err
	}
	return out.HonestStreak, nil
}

func (c *HTTPBackendClient) ResetHonestStreak(ctx context.Context, userID string) (int, error) {
	body := map[string]string{"user_id": userID}
	var out struct {
		HonestStreak int `json:"honest_streak"`
	}
	if err := c.do(ctx, "POST", "/api/v1/me/honest-streak/reset", body, &out); err != nil {
		return 0, err
	}
	return out.HonestStreak, nil
}

// DepositBalance performs the atomic balance increment plus audit record.
func (c *HTTPBackendClient) DepositBalance(ctx context.Context, amount float64) error {
	body := map[string]float64{"amount": amount}
	return c.do(ctx, "POST", "/api/v1/me/balance/deposit", body, nil)
}

func (c *HTTPBackendClient) WithdrawBalance(ctx context.Context, amount float64, destination, kind string) error {
	body := map[string]interface{}{
		"amount":      amount,
		"destination": destination,
		"kind":        kind,
	}
	return c.do(ctx, "POST", "/api/v1/me/balance/withdraw", body, nil)
}

func (c *HTTPBackendClient) UpdateUserAvatar(ctx context.Context, avatarURL string) error {
	body := map[string]string{"avatar_url": avatarURL}
	return c.do(ctx, "POST", "/api/v1/me/avatar", body, nil)
}
