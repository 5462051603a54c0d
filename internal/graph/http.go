package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient is the wire implementation of Client. Each call is a single
// request/response pair; the envelope is decoded, the payload kept raw.
type HTTPClient struct {
	BaseURL   string
	AppID     string
	AppSecret string
	client    *http.Client
}

func NewHTTPClient(baseURL, appID, appSecret string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		BaseURL:   baseURL,
		AppID:     appID,
		AppSecret: appSecret,
		client:    &http.Client{Timeout: timeout},
	}
}

type wireEnvelope struct {
	Error *APIError       `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (c *HTTPClient) call(ctx context.Context, op, method, path, token string, params url.Values) (Result, error) {
	endpoint := c.BaseURL + path
	var body io.Reader
	if method == http.MethodPost && params != nil {
		body = bytes.NewBufferString(params.Encode())
	} else if params != nil {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return Result{}, err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, &TransportError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &TransportError{Op: op, Cause: err}
	}
	if resp.StatusCode >= 500 {
		return Result{}, &TransportError{Op: op, StatusCode: resp.StatusCode}
	}

	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Not every endpoint wraps its payload; keep it opaque.
		return Result{Success: resp.StatusCode < 400, Payload: raw}, nil
	}
	if env.Error != nil {
		return Result{Success: false, Payload: raw, Error: env.Error}, nil
	}
	payload := env.Data
	if len(payload) == 0 {
		payload = raw
	}
	return Result{Success: resp.StatusCode < 400, Payload: payload}, nil
}

func (c *HTTPClient) ExchangeCode(ctx context.Context, code string) (Credential, Result, error) {
	params := url.Values{}
	params.Set("client_id", c.AppID)
	params.Set("client_secret", c.AppSecret)
	params.Set("code", code)
	res, err := c.call(ctx, "exchangeCode", http.MethodPost, "/oauth/access_token", "", params)
	if err != nil || !res.Success {
		return Credential{}, res, err
	}
	cred, err := decodeCredential(res.Payload)
	return cred, res, err
}

func (c *HTTPClient) ExtendToken(ctx context.Context, token string) (Credential, Result, error) {
	params := url.Values{}
	params.Set("client_id", c.AppID)
	params.Set("client_secret", c.AppSecret)
	params.Set("grant_type", "fb_exchange_token")
	params.Set("fb_exchange_token", token)
	res, err := c.call(ctx, "extendToken", http.MethodPost, "/oauth/access_token", "", params)
	if err != nil || !res.Success {
		return Credential{}, res, err
	}
	cred, err := decodeCredential(res.Payload)
	return cred, res, err
}

func (c *HTTPClient) DebugToken(ctx context.Context, token string) ([]string, Result, error) {
	params := url.Values{}
	params.Set("input_token", token)
	res, err := c.call(ctx, "debugToken", http.MethodGet, "/debug_token", token, params)
	if err != nil || !res.Success {
		return nil, res, err
	}
	var payload struct {
		Scopes []string `json:"scopes"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		return nil, res, fmt.Errorf("decode debug_token payload: %w", err)
	}
	return payload.Scopes, res, nil
}

func (c *HTTPClient) GetAccount(ctx context.Context, token, wabaID string) (string, string, Result, error) {
	path := "/me/whatsapp_business_accounts"
	if wabaID != "" {
		path = "/" + wabaID
	}
	res, err := c.call(ctx, "getAccount", http.MethodGet, path, token, nil)
	if err != nil || !res.Success {
		return "", "", res, err
	}
	var payload struct {
		ID       string `json:"id"`
		Business struct {
			ID string `json:"id"`
		} `json:"owner_business_info"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		return "", "", res, fmt.Errorf("decode account payload: %w", err)
	}
	return payload.ID, payload.Business.ID, res, nil
}

func (c *HTTPClient) GetBusiness(ctx context.Context, token, businessID string) (Result, error) {
	return c.call(ctx, "getBusiness", http.MethodGet, "/"+businessID, token, nil)
}

func (c *HTTPClient) ListPhoneNumbers(ctx context.Context, token, wabaID string) ([]string, Result, error) {
	res, err := c.call(ctx, "listPhoneNumbers", http.MethodGet, "/"+wabaID+"/phone_numbers", token, nil)
	if err != nil || !res.Success {
		return nil, res, err
	}
	var payload []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		return nil, res, fmt.Errorf("decode phone_numbers payload: %w", err)
	}
	ids := make([]string, 0, len(payload))
	for _, p := range payload {
		ids = append(ids, p.ID)
	}
	return ids, res, nil
}

func (c *HTTPClient) SubscribeApp(ctx context.Context, token, wabaID string) (Result, error) {
	return c.call(ctx, "subscribeApp", http.MethodPost, "/"+wabaID+"/subscribed_apps", token, url.Values{})
}

func (c *HTTPClient) GetSubscriptions(ctx context.Context, token, wabaID string) (bool, Result, error) {
	res, err := c.call(ctx, "getSubscriptions", http.MethodGet, "/"+wabaID+"/subscribed_apps", token, nil)
	if err != nil || !res.Success {
		return false, res, err
	}
	var payload []json.RawMessage
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		return false, res, fmt.Errorf("decode subscribed_apps payload: %w", err)
	}
	return len(payload) > 0, res, nil
}

func (c *HTTPClient) RegisterPhone(ctx context.Context, token, phoneNumberID, pin string) (Result, error) {
	params := url.Values{}
	params.Set("messaging_product", "whatsapp")
	if pin != "" {
		params.Set("pin", pin)
	}
	return c.call(ctx, "registerPhone", http.MethodPost, "/"+phoneNumberID+"/register", token, params)
}

func (c *HTTPClient) CreateSystemUserToken(ctx context.Context, token, businessID string) (Credential, Result, error) {
	params := url.Values{}
	params.Set("business_id", businessID)
	res, err := c.call(ctx, "createSystemUserToken", http.MethodPost, "/"+businessID+"/access_token", token, params)
	if err != nil || !res.Success {
		return Credential{}, res, err
	}
	cred, err := decodeCredential(res.Payload)
	if err != nil {
		return Credential{}, res, err
	}
	cred.ServiceIdentity = true
	return cred, res, err
}

func decodeCredential(raw json.RawMessage) (Credential, error) {
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Credential{}, fmt.Errorf("decode token payload: %w", err)
	}
	if payload.AccessToken == "" {
		return Credential{}, fmt.Errorf("token payload missing access_token")
	}
	return Credential{Token: payload.AccessToken, ExpiresInSec: payload.ExpiresIn}, nil
}
