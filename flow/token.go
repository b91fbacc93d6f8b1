package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/authrelay/oidc/internal/strutils"
	"github.com/authrelay/oidc/provider"
)

// tokenResponse is the token endpoint's success payload.
type tokenResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    flexibleInt64 `json:"expires_in"`
	RefreshToken string        `json:"refresh_token"`
	IDToken      string        `json:"id_token"`
	Scope        string        `json:"scope"`
}

func (t *tokenResponse) expiresInSeconds() int64 {
	return int64(t.ExpiresIn)
}

// flexibleInt64 decodes a JSON number or a numeric string; some providers
// return expires_in as a string.
type flexibleInt64 int64

func (f *flexibleInt64) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(data), `"`)
	if trimmed == "" || trimmed == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		// tolerate fractional values
		fl, ferr := strconv.ParseFloat(trimmed, 64)
		if ferr != nil {
			return err
		}
		n = int64(fl)
	}
	*f = flexibleInt64(n)
	return nil
}

// codeExchangeValues builds the authorization code exchange body.
func codeExchangeValues(cfg provider.Config, code, codeVerifier string) map[string]string {
	values := map[string]string{
		"client_id":  cfg.ClientID,
		"code":       code,
		"grant_type": cfg.GrantType,
	}
	if cfg.RedirectURI != "" {
		values["redirect_uri"] = cfg.RedirectURI
	}
	if cfg.ScopeInTokenRequest && len(cfg.Scope) > 0 {
		values["scope"] = strings.Join(cfg.Scope, " ")
	}
	if cfg.PKCE {
		values["code_verifier"] = codeVerifier
	}
	if cfg.AuthenticationScheme == provider.AuthSchemeBody {
		values["client_secret"] = string(cfg.ClientSecret)
	}
	for key, value := range strutils.SnakeCaseKeys(cfg.AdditionalTokenParameters) {
		values[key] = value
	}
	return values
}

// refreshGrantValues builds the refresh token grant body.
func refreshGrantValues(cfg provider.Config, refreshToken string) map[string]string {
	values := map[string]string{
		"client_id":     cfg.ClientID,
		"refresh_token": refreshToken,
		"grant_type":    "refresh_token",
	}
	if cfg.ScopeInTokenRequest && len(cfg.Scope) > 0 {
		scope := cfg.Scope
		if cfg.ExcludeOfflineScopeFromTokenRequest {
			scope = make([]string, 0, len(cfg.Scope))
			for _, s := range cfg.Scope {
				if s != "offline_access" {
					scope = append(scope, s)
				}
			}
		}
		values["scope"] = strings.Join(scope, " ")
	}
	if cfg.AuthenticationScheme == provider.AuthSchemeBody {
		values["client_secret"] = string(cfg.ClientSecret)
	}
	return values
}

// requestToken posts the values to the provider's token endpoint with the
// configured encoding and client authentication scheme. A non-2xx response
// surfaces as a ProviderError wrapped in ErrTokenExchange; its detail is
// for server-side logs only.
func (e *Engine) requestToken(ctx context.Context, cfg provider.Config, values map[string]string) (*tokenResponse, error) {
	const op = "flow.Engine.requestToken"
	body, contentType, err := encodeTokenRequest(values, cfg.TokenRequestType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if cfg.AuthenticationScheme == provider.AuthSchemeHeader {
		req.SetBasicAuth(cfg.ClientID, string(cfg.ClientSecret))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrTokenExchange, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrTokenExchange, err)
	}
	if resp.StatusCode >= 400 {
		perr := &ProviderError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, perr)
		return nil, fmt.Errorf("%s: %w: %w", op, ErrTokenExchange, perr)
	}
	var token tokenResponse
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("%s: unable to decode token response: %w: %w", op, ErrTokenExchange, err)
	}
	return &token, nil
}

// encodeTokenRequest renders the body in the provider's expected encoding:
// json, multipart form data, or form-urlencoded.
func encodeTokenRequest(values map[string]string, requestType provider.TokenRequestType) (io.Reader, string, error) {
	switch requestType {
	case provider.TokenRequestJSON:
		raw, err := json.Marshal(values)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(raw), "application/json", nil
	case provider.TokenRequestFormURLEncoded:
		form := url.Values{}
		for key, value := range values {
			form.Set(key, value)
		}
		return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil
	default:
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for key, value := range values {
			if err := mw.WriteField(key, value); err != nil {
				return nil, "", err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return &buf, mw.FormDataContentType(), nil
	}
}
