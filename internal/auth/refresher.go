package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
)

// RefreshResult carries the replacement token pair produced by a refresh.
// RefreshToken is empty when the upstream did not rotate it.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges refresh tokens for fresh access tokens. Google and
// GitHub credentials refresh against their provider OAuth endpoints; the two
// AWS kinds refresh against the Kiro refresh endpoint. At most one exchange
// per credential id is in flight at a time; concurrent callers share the
// in-flight result.
type Refresher struct {
	baseURL    string
	httpClient *http.Client
	group      singleflight.Group
}

// NewRefresher builds a Refresher targeting baseURL. A nil client gets a
// 30-second-timeout default.
func NewRefresher(baseURL string, client *http.Client) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

// Refresh performs the token exchange for the credential identified by id.
// Failures come back as *interfaces.ErrorMessage; only ErrInvalidRefreshToken
// should change account status at the caller.
func (r *Refresher) Refresh(ctx context.Context, id string, cred Credential) (*RefreshResult, error) {
	v, err, shared := r.group.Do(id, func() (any, error) {
		return r.dispatch(ctx, cred)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debugf("token refresh for %s joined an in-flight exchange", id)
	}
	return v.(*RefreshResult), nil
}

func (r *Refresher) dispatch(ctx context.Context, cred Credential) (*RefreshResult, error) {
	if cred.RefreshToken == "" {
		return nil, interfaces.Errorf(interfaces.ErrInvalidRefreshToken, "credential has no refresh token")
	}
	switch cred.AuthKind {
	case AuthKindGoogle:
		return r.refreshSocial(ctx, cred, google.Endpoint)
	case AuthKindGitHub:
		return r.refreshSocial(ctx, cred, github.Endpoint)
	case AuthKindAwsBuilderID, AuthKindIdentityCenter:
		return r.refreshKiro(ctx, cred)
	default:
		return nil, interfaces.Errorf(interfaces.ErrInternal, "unknown auth kind %q", cred.AuthKind)
	}
}

// refreshSocial drives the provider OAuth refresh grant through x/oauth2.
func (r *Refresher) refreshSocial(ctx context.Context, cred Credential, endpoint oauth2.Endpoint) (*RefreshResult, error) {
	conf := &oauth2.Config{ClientID: cred.ClientIDHash, Endpoint: endpoint}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, classifyOAuthError(err)
	}
	if token.AccessToken == "" {
		return nil, interfaces.Errorf(interfaces.ErrUpstreamServerError, "oauth refresh returned an empty access token")
	}
	result := &RefreshResult{AccessToken: token.AccessToken, ExpiresAt: token.Expiry}
	if token.RefreshToken != "" && token.RefreshToken != cred.RefreshToken {
		result.RefreshToken = token.RefreshToken
	}
	if result.ExpiresAt.IsZero() {
		result.ExpiresAt = time.Now().Add(time.Hour)
	}
	return result, nil
}

// refreshKiro posts the refresh token to the Kiro refresh endpoint shared by
// the AwsBuilderId and IdentityCenter kinds. IdentityCenter exchanges carry
// the stored client id hash so the upstream can route to the right client.
func (r *Refresher) refreshKiro(ctx context.Context, cred Credential) (*RefreshResult, error) {
	payload := map[string]string{"refreshToken": cred.RefreshToken}
	if cred.AuthKind == AuthKindIdentityCenter && cred.ClientIDHash != "" {
		payload["clientId"] = cred.ClientIDHash
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/refresh-token", bytes.NewReader(body))
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyRefreshStatus(resp.StatusCode, data)
	}

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
	}
	if err = json.Unmarshal(data, &out); err != nil {
		return nil, interfaces.Errorf(interfaces.ErrUpstreamServerError, "malformed refresh response: %v", err)
	}
	if out.AccessToken == "" {
		return nil, interfaces.Errorf(interfaces.ErrUpstreamServerError, "refresh response carried no access token")
	}
	if out.ExpiresIn <= 0 {
		out.ExpiresIn = 3600
	}
	result := &RefreshResult{
		AccessToken: out.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}
	if out.RefreshToken != "" && out.RefreshToken != cred.RefreshToken {
		result.RefreshToken = out.RefreshToken
	}
	return result, nil
}

// classifyRefreshStatus maps a non-200 Kiro refresh response onto the error
// taxonomy: invalid grants invalidate the credential, 429 is a quota event,
// and everything 5xx stays retryable.
func classifyRefreshStatus(status int, body []byte) *interfaces.ErrorMessage {
	msg := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusTooManyRequests:
		return &interfaces.ErrorMessage{Kind: interfaces.ErrQuotaExceeded, StatusCode: status, Err: fmt.Errorf("refresh rate limited: %s", msg)}
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &interfaces.ErrorMessage{Kind: interfaces.ErrInvalidRefreshToken, StatusCode: status, Err: fmt.Errorf("refresh rejected: %s", msg)}
	case status >= 500:
		return &interfaces.ErrorMessage{Kind: interfaces.ErrUpstreamServerError, StatusCode: status, Err: fmt.Errorf("refresh failed upstream: %s", msg)}
	default:
		return &interfaces.ErrorMessage{Kind: interfaces.ErrUpstreamServerError, StatusCode: status, Err: fmt.Errorf("unexpected refresh status %d: %s", status, msg)}
	}
}

func classifyOAuthError(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		status := 0
		if retrieve.Response != nil {
			status = retrieve.Response.StatusCode
		}
		switch {
		case retrieve.ErrorCode == "invalid_grant":
			return &interfaces.ErrorMessage{Kind: interfaces.ErrInvalidRefreshToken, StatusCode: status, Err: err}
		case status == http.StatusTooManyRequests:
			return &interfaces.ErrorMessage{Kind: interfaces.ErrQuotaExceeded, StatusCode: status, Err: err}
		case status == http.StatusBadRequest || status == http.StatusUnauthorized:
			return &interfaces.ErrorMessage{Kind: interfaces.ErrInvalidRefreshToken, StatusCode: status, Err: err}
		default:
			return &interfaces.ErrorMessage{Kind: interfaces.ErrUpstreamServerError, StatusCode: status, Err: err}
		}
	}
	return interfaces.NewError(interfaces.ErrNetwork, err)
}
