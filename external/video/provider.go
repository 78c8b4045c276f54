package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mediconnect/teleconsult/internal/transport"
)

const (
	requestTimeout = 5 * time.Second
	healthTimeout  = 2 * time.Second
)

// HTTPProvider registers rooms with a managed video-conferencing backend
// and mints room access tokens locally. Tokens are HS256 JWTs signed with
// the shared API secret the backend verifies.
type HTTPProvider struct {
	baseURL   string
	apiKey    string
	apiSecret []byte
	tokenTTL  time.Duration
	client    *http.Client
	now       func() time.Time
}

func NewHTTPProvider(baseURL, apiKey, apiSecret string, tokenTTL time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		tokenTTL:  tokenTTL,
		client:    &http.Client{Timeout: requestTimeout},
		now:       time.Now,
	}
}

var _ transport.Provider = (*HTTPProvider)(nil)

type createRoomRequest struct {
	RoomID string `json:"roomId"`
}

func (p *HTTPProvider) CreateManagedRoom(ctx context.Context, roomID string) (string, error) {
	body, err := json.Marshal(createRoomRequest{RoomID: roomID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/rooms", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if !isHTTPSuccessStatus(resp.StatusCode) {
		return "", fmt.Errorf("%w: provider returned status %d", transport.ErrTransportUnavailable, resp.StatusCode)
	}
	return p.signRoomToken(roomID)
}

func (p *HTTPProvider) TeardownManagedRoom(ctx context.Context, roomID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/v1/rooms/"+roomID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	// 404 means the room is already gone; teardown is idempotent.
	if !isHTTPSuccessStatus(resp.StatusCode) && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: provider returned status %d", transport.ErrTransportUnavailable, resp.StatusCode)
	}
	return nil
}

func (p *HTTPProvider) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return isHTTPSuccessStatus(resp.StatusCode)
}

// signRoomToken mints the credential a client presents to the managed
// backend when joining the room.
func (p *HTTPProvider) signRoomToken(roomID string) (string, error) {
	now := p.now()
	claims := jwt.MapClaims{
		"iss":  p.apiKey,
		"sub":  roomID,
		"room": roomID,
		"iat":  now.Unix(),
		"exp":  now.Add(p.tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.apiSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign room token: %w", err)
	}
	return signed, nil
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
