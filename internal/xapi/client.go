// Package xapi はX（旧Twitter）API v2 のクライアントを提供する。
// OAuth 2.0 PKCEによるトークン交換・リフレッシュ、本人情報の取得、投稿を扱う。
package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nkxxll/birdbrain/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultAuthURL   = "https://twitter.com/i/oauth2/authorize"
	defaultTokenURL  = "https://api.x.com/2/oauth2/token"
	defaultUserMeURL = "https://api.x.com/2/users/me"
	defaultTweetsURL = "https://api.x.com/2/tweets"

	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 1 << 20
)

// DefaultScopes は認可時に要求するスコープ。
// offline.access がないとリフレッシュトークンが払い出されない。
var DefaultScopes = []string{
	"users.email",
	"users.read",
	"tweet.write",
	"tweet.read",
	"follows.read",
	"follows.write",
	"offline.access",
}

// Config はXクライアントの設定。
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// RatePerMinute はプロバイダー呼び出しの上限（回/分）。0以下で無制限。
	RatePerMinute int

	// テスト用にオーバーライド可能なURL
	AuthURL   string
	TokenURL  string
	UserMeURL string
	TweetsURL string
}

// Client はX APIのクライアント。
// すべての呼び出しは注入された*http.Clientを使用するため、タイムアウトは呼び出し元で設定する。
type Client struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	userMeURL  string
	tweetsURL  string
}

// NewClient はClientを生成する。
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.UserMeURL == "" {
		cfg.UserMeURL = defaultUserMeURL
	}
	if cfg.TweetsURL == "" {
		cfg.TweetsURL = defaultTweetsURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute)
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
		userMeURL:  cfg.UserMeURL,
		tweetsURL:  cfg.TweetsURL,
	}
}

// AuthCodeURL はPKCEチャレンジ付きの認可URLを生成する。
// code_challenge = base64url(SHA-256(verifier))、code_challenge_method=S256。
func (c *Client) AuthCodeURL(state, verifier string) string {
	return c.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// ExchangeCode は認可コードとverifierをトークンに交換する。
// クライアント認証はBasic認証で行う。
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*model.TokenPair, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &AuthError{Op: "exchange", Kind: KindRequest, Err: err}
	}

	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("client_id", c.oauth.ClientID),
	)
	if err != nil {
		return nil, c.toAuthError("exchange", err)
	}
	return tokenPairFrom("exchange", tok)
}

// Refresh はリフレッシュトークンで新しいトークン一式を取得する（grant_type=refresh_token）。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &AuthError{Op: "refresh", Kind: KindRequest, Err: err}
	}

	// アクセストークンを持たないトークンを渡すと、TokenSourceは必ずリフレッシュを行う
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, c.toAuthError("refresh", err)
	}
	return tokenPairFrom("refresh", tok)
}

// userMeResponse は /2/users/me のレスポンス。
type userMeResponse struct {
	Data *struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"data"`
	Errors []apiProblem `json:"errors"`
}

// apiProblem はX APIのエラー要素。
type apiProblem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
	Status int    `json:"status"`
}

// FetchOwnerIdentity はアクセストークンの所有者情報を取得する。
func (c *Client) FetchOwnerIdentity(ctx context.Context, accessToken string) (*model.OwnerIdentity, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.userMeURL, accessToken, nil)
	if err != nil {
		return nil, &AuthError{Op: "identity", Kind: KindRequest, Err: err}
	}
	if status < 200 || status > 299 {
		return nil, &AuthError{Op: "identity", Kind: KindStatus, StatusCode: status, Body: string(body)}
	}

	var resp userMeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &AuthError{Op: "identity", Kind: KindDecode, Err: err}
	}
	if resp.Data == nil || resp.Data.ID == "" {
		detail := "no identity payload"
		if len(resp.Errors) > 0 {
			detail = fmt.Sprintf("no identity payload: %s", resp.Errors[0].Detail)
		}
		return nil, &AuthError{Op: "identity", Kind: KindDecode, Err: errors.New(detail)}
	}

	return &model.OwnerIdentity{
		ID:       resp.Data.ID,
		Username: resp.Data.Username,
		Name:     resp.Data.Name,
	}, nil
}

// PublishResult は投稿APIの成功レスポンス。
// Rawはプロバイダーが返したボディをそのまま保持する。
type PublishResult struct {
	ID                  string
	Text                string
	EditHistoryTweetIDs []string
	Raw                 json.RawMessage
}

type publishRequest struct {
	Text string `json:"text"`
}

type publishResponse struct {
	Data struct {
		ID                  string   `json:"id"`
		Text                string   `json:"text"`
		EditHistoryTweetIDs []string `json:"edit_history_tweet_ids"`
	} `json:"data"`
}

// PublishPost はテキストを投稿する。
// 2xx以外の応答は*StatusError、送信失敗（タイムアウト含む）はそのままのエラーを返す。
// 2xxでボディが解析できない場合もRawだけを持つ結果を返す。
func (c *Client) PublishPost(ctx context.Context, accessToken, text string) (*PublishResult, error) {
	payload, err := json.Marshal(publishRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal publish request: %w", err)
	}

	status, body, err := c.do(ctx, http.MethodPost, c.tweetsURL, accessToken, payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		c.logger.Warn("X APIが投稿を拒否しました",
			slog.Int("http_status", status),
		)
		return nil, &StatusError{StatusCode: status, Body: body}
	}

	// 2xxは投稿済み。ボディが解析できなくても再送してはならない。
	var resp publishResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("X APIの投稿レスポンスを解析できませんでした",
			slog.Int("http_status", status),
			slog.String("error", err.Error()),
		)
		return &PublishResult{Raw: json.RawMessage(body)}, nil
	}

	return &PublishResult{
		ID:                  resp.Data.ID,
		Text:                resp.Data.Text,
		EditHistoryTweetIDs: resp.Data.EditHistoryTweetIDs,
		Raw:                 json.RawMessage(body),
	}, nil
}

// do はBearer認証付きのリクエストを実行し、ステータスとボディを返す。
func (c *Client) do(ctx context.Context, method, endpoint, accessToken string, payload []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("X APIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("url", endpoint),
			slog.String("error", err.Error()),
		)
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// oauthContext はoauth2パッケージに注入済みの*http.Clientを渡すコンテキストを返す。
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// toAuthError はoauth2パッケージのエラーをAuthErrorに変換する。
func (c *Client) toAuthError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		c.logger.Warn("X APIのトークンエンドポイントがエラーを返しました",
			slog.String("op", op),
			slog.Int("http_status", status),
		)
		return &AuthError{Op: op, Kind: KindStatus, StatusCode: status, Body: string(re.Body), Err: err}
	}
	if isTokenParseError(err) {
		return &AuthError{Op: op, Kind: KindDecode, Err: err}
	}
	return &AuthError{Op: op, Kind: KindRequest, Err: err}
}

// oauth2 は2xx応答の解析失敗を型なしのエラーで返すため、メッセージで判別する。
var tokenParseErrorMessages = []string{
	"server response missing access_token",
	"cannot parse json",
	"cannot parse response",
}

// isTokenParseError は2xxのトークン応答がスキーマに合わなかったことによるエラーかを返す。
func isTokenParseError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return false
	}
	msg := err.Error()
	for _, m := range tokenParseErrorMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// tokenPairFrom はトークンレスポンスを厳密に検証してTokenPairに変換する。
// token_typeはリテラル "bearer"、expires_inは数値、access_token/refresh_token/scopeは文字列であること。
func tokenPairFrom(op string, tok *oauth2.Token) (*model.TokenPair, error) {
	decodeErr := func(format string, args ...any) error {
		return &AuthError{Op: op, Kind: KindDecode, Err: fmt.Errorf(format, args...)}
	}

	if tok.TokenType != "bearer" {
		return nil, decodeErr("token_type = %q, want \"bearer\"", tok.TokenType)
	}
	expiresIn, ok := tok.Extra("expires_in").(float64)
	if !ok {
		return nil, decodeErr("expires_in is not a number")
	}
	accessToken, ok := tok.Extra("access_token").(string)
	if !ok || accessToken == "" {
		return nil, decodeErr("access_token is missing")
	}
	refreshToken, ok := tok.Extra("refresh_token").(string)
	if !ok || refreshToken == "" {
		return nil, decodeErr("refresh_token is missing")
	}
	scope, ok := tok.Extra("scope").(string)
	if !ok {
		return nil, decodeErr("scope is not a string")
	}

	return &model.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tok.TokenType,
		Scope:        scope,
		ExpiresIn:    int64(expiresIn),
		Expiry:       tok.Expiry,
	}, nil
}
