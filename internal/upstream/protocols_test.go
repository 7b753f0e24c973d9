package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"poly2api-go/internal/credential"
	apperrors "poly2api-go/internal/errors"
)

func TestSocialProtocolRefresh(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "new-at",
			"refreshToken": "new-rt",
			"expiresAt":    time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	p := &SocialProtocol{Client: srv.Client(), RefreshURL: srv.URL + "/%s/refreshToken", DefaultRegion: "us-east-1"}
	upd, err := p.RefreshToken(context.Background(), &credential.Credential{RefreshToken: "old-rt"})
	require.NoError(t, err)
	require.Equal(t, "old-rt", gotBody["refreshToken"])
	require.Equal(t, "new-at", upd.AccessToken)
	require.Equal(t, "new-rt", upd.RefreshToken)
	require.NotNil(t, upd.ExpiresAt)
}

func TestSocialProtocolTerminalStatuses(t *testing.T) {
	for _, status := range []int{400, 401, 403} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			w.Write([]byte(`{"message":"CredentialsExpiredException"}`))
		}))
		p := &SocialProtocol{Client: srv.Client(), RefreshURL: srv.URL + "/%s", DefaultRegion: "r"}
		_, err := p.RefreshToken(context.Background(), &credential.Credential{RefreshToken: "rt"})
		require.Equal(t, apperrors.KindAuth, apperrors.KindOf(err), "status %d", status)
		srv.Close()
	}
}

func TestSocialProtocolServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	p := &SocialProtocol{Client: srv.Client(), RefreshURL: srv.URL + "/%s", DefaultRegion: "r"}
	_, err := p.RefreshToken(context.Background(), &credential.Credential{RefreshToken: "rt"})
	require.Equal(t, apperrors.KindTransient, apperrors.KindOf(err))
}

func TestOIDCProtocolRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "refresh_token", body["grantType"])
		require.Equal(t, "cid", body["clientId"])
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "idc-at", "expiresIn": 3600})
	}))
	defer srv.Close()

	p := &OIDCProtocol{Client: srv.Client(), TokenURL: srv.URL + "/%s/token", DefaultRegion: "us-east-1"}
	upd, err := p.RefreshToken(context.Background(), &credential.Credential{
		RefreshToken: "rt", ClientID: "cid", ClientSecret: "sec",
	})
	require.NoError(t, err)
	require.Equal(t, "idc-at", upd.AccessToken)
	require.NotNil(t, upd.ExpiresAt)
	require.WithinDuration(t, time.Now().Add(time.Hour), *upd.ExpiresAt, time.Minute)
}

func TestWarpProtocolRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		json.NewEncoder(w).Encode(map[string]any{"access_token": "warp-at", "expires_in": 600})
	}))
	defer srv.Close()

	p := &WarpProtocol{Client: srv.Client(), RefreshURL: srv.URL}
	upd, err := p.RefreshToken(context.Background(), &credential.Credential{RefreshToken: "rt"})
	require.NoError(t, err)
	require.Equal(t, "warp-at", upd.AccessToken)
}

func TestGoogleProtocolRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "rt", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "g-at",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p := &GoogleProtocol{Client: srv.Client(), TokenURL: srv.URL + "/token"}
	upd, err := p.RefreshToken(context.Background(), &credential.Credential{
		RefreshToken: "rt", ClientID: "cid", ClientSecret: "sec",
	})
	require.NoError(t, err)
	require.Equal(t, "g-at", upd.AccessToken)
}
