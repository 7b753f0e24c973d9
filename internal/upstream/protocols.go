package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"poly2api-go/internal/credential"
	apperrors "poly2api-go/internal/errors"
)

// refresh failure classification: 400/401/403 are terminal for this token
// generation, everything else is transient.
func classifyRefreshStatus(status int, body []byte) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.New(apperrors.KindAuth, "token refresh rejected: "+apperrors.MaskUpstreamBody(string(body))).WithStatus(status)
	}
	return apperrors.Newf(apperrors.KindTransient, "token refresh failed with status %d", status).WithStatus(status)
}

// SocialProtocol refreshes Kiro social-login tokens against the
// region-templated desktop auth endpoint.
type SocialProtocol struct {
	Client *http.Client
	// RefreshURL carries a %s placeholder for the region.
	RefreshURL    string
	DefaultRegion string
}

func (p *SocialProtocol) RefreshToken(ctx context.Context, cred *credential.Credential) (*credential.TokenUpdate, error) {
	region := cred.Region
	if region == "" {
		region = p.DefaultRegion
	}
	endpoint := fmt.Sprintf(p.RefreshURL, region)

	payload, _ := json.Marshal(map[string]string{"refreshToken": cred.RefreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "building refresh request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, apperrors.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, classifyRefreshStatus(resp.StatusCode, body)
	}

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresAt    string `json:"expiresAt"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransient, "decoding refresh response", err)
	}
	upd := &credential.TokenUpdate{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
	if out.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, out.ExpiresAt); err == nil {
			upd.ExpiresAt = &t
		}
	} else if out.ExpiresIn > 0 {
		t := time.Now().UTC().Add(time.Duration(out.ExpiresIn) * time.Second)
		upd.ExpiresAt = &t
	}
	return upd, nil
}

// OIDCProtocol refreshes builder-id and IdC tokens against the AWS OIDC
// token endpoint.
type OIDCProtocol struct {
	Client *http.Client
	// TokenURL carries a %s placeholder for the region.
	TokenURL      string
	DefaultRegion string
}

func (p *OIDCProtocol) RefreshToken(ctx context.Context, cred *credential.Credential) (*credential.TokenUpdate, error) {
	region := cred.Region
	if region == "" {
		region = p.DefaultRegion
	}
	endpoint := fmt.Sprintf(p.TokenURL, region)

	payload, _ := json.Marshal(map[string]string{
		"clientId":     cred.ClientID,
		"clientSecret": cred.ClientSecret,
		"refreshToken": cred.RefreshToken,
		"grantType":    "refresh_token",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "building refresh request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, apperrors.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, classifyRefreshStatus(resp.StatusCode, body)
	}

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransient, "decoding refresh response", err)
	}
	upd := &credential.TokenUpdate{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
	if out.ExpiresIn > 0 {
		t := time.Now().UTC().Add(time.Duration(out.ExpiresIn) * time.Second)
		upd.ExpiresAt = &t
	}
	return upd, nil
}

// GoogleProtocol is a standard OAuth2 refresh against Google's token
// endpoint, used by gemini-antigravity credentials.
type GoogleProtocol struct {
	Client   *http.Client
	TokenURL string
}

func (p *GoogleProtocol) RefreshToken(ctx context.Context, cred *credential.Credential) (*credential.TokenUpdate, error) {
	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: p.TokenURL},
	}
	if p.Client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.Client)
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if stderrors.As(err, &rerr) && rerr.Response != nil {
			return nil, classifyRefreshStatus(rerr.Response.StatusCode, rerr.Body)
		}
		return nil, apperrors.ClassifyTransport(err)
	}
	upd := &credential.TokenUpdate{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		upd.ExpiresAt = &exp
	}
	return upd, nil
}

// WarpProtocol refreshes Warp proxy tokens with a form-encoded grant.
type WarpProtocol struct {
	Client     *http.Client
	RefreshURL string
}

func (p *WarpProtocol) RefreshToken(ctx context.Context, cred *credential.Credential) (*credential.TokenUpdate, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.RefreshURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "building refresh request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, apperrors.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, classifyRefreshStatus(resp.StatusCode, body)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransient, "decoding refresh response", err)
	}
	upd := &credential.TokenUpdate{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
	if out.ExpiresIn > 0 {
		t := time.Now().UTC().Add(time.Duration(out.ExpiresIn) * time.Second)
		upd.ExpiresAt = &t
	}
	return upd, nil
}
