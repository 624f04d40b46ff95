package push

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// messagingScope authorizes calls to the FCM v1 send API
	messagingScope = "https://www.googleapis.com/auth/firebase.messaging"
	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL   = time.Hour
)

// TokenSource mints short-lived bearer tokens for the messaging API by
// signing a service-account assertion (RS256) and exchanging it at the token
// endpoint. Tokens are minted fresh for every dispatch run; nothing is
// cached.
type TokenSource struct {
	clientEmail string
	privateKey  *rsa.PrivateKey
	tokenURL    string
	client      *http.Client
}

// NewTokenSource parses the PEM-encoded service account key and returns a
// token source bound to the given token endpoint.
func NewTokenSource(clientEmail, privateKeyPEM, tokenURL string) (*TokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account private key: %w", err)
	}
	return &TokenSource{
		clientEmail: clientEmail,
		privateKey:  key,
		tokenURL:    tokenURL,
		client:      &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Mint builds the signed assertion and exchanges it for an access token.
// Any failure here is fatal for the invocation: without credentials no
// message can be delivered.
func (ts *TokenSource) Mint(ctx context.Context) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   ts.clientEmail,
		"scope": messagingScope,
		"aud":   ts.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionTTL).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(ts.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var token struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}

	return token.AccessToken, nil
}
