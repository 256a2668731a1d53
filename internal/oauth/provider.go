// Package oauth はGitHub・GoogleのOAuth2プロバイダー接続と、
// CSRF stateとPKCEをCookieに保持する認可コードフローを提供する。
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/hitoshi/authflow/internal/model"
)

const (
	defaultGitHubProfileURL = "https://api.github.com/user"
	defaultGoogleProfileURL = "https://openidconnect.googleapis.com/v1/userinfo"

	// maxProfileBytes はプロフィール応答の読み込み上限。
	maxProfileBytes = 1 << 20
)

// Profile はプロバイダーから取得した利用者情報。
type Profile struct {
	ProviderUserID string
	Login          string // GitHubのみ
	Picture        string // Googleのみ
}

// ProfileStatusError はプロフィール取得が2xx以外で終わったことを表す。
type ProfileStatusError struct {
	StatusCode int
}

func (e *ProfileStatusError) Error() string {
	return fmt.Sprintf("profile request failed with status %d", e.StatusCode)
}

func (e *ProfileStatusError) Unwrap() error { return model.ErrUpstream }

// Provider はOAuth2プロバイダーのインターフェース。
type Provider interface {
	// ID はプロバイダー識別子を返す。
	ID() model.Provider
	// UsesPKCE はPKCEのコード検証子を使うかを返す。
	UsesPKCE() bool
	// AuthCodeURL は認可エンドポイントへのリダイレクトURLを返す。verifierはPKCE非対応の場合は空。
	AuthCodeURL(state, verifier string) string
	// Exchange は認可コードをアクセストークンに交換する。
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	// FetchProfile はアクセストークンで利用者情報を取得する。
	FetchProfile(ctx context.Context, tok *oauth2.Token) (*Profile, error)
	// Endpoints はサーバー側から接続するURL（トークン・プロフィール）を返す。
	Endpoints() []string
}

// ProviderConfig はプロバイダーの接続設定。
// Endpoint・ProfileURLが未設定の場合は各プロバイダーの既定値を使う。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	Endpoint   oauth2.Endpoint
	ProfileURL string
	HTTPClient *http.Client
}

// oauthProvider はx/oauth2による共通実装。プロフィールの形式だけをプロバイダーごとに切り替える。
type oauthProvider struct {
	id         model.Provider
	pkce       bool
	config     *oauth2.Config
	profileURL string
	client     *http.Client
	parse      func(body []byte) (*Profile, error)
}

// NewGitHubProvider はGitHubのProviderを生成する。PKCEは使わない。
func NewGitHubProvider(cfg ProviderConfig) Provider {
	return newProvider(model.ProviderGitHub, false, cfg, endpoints.GitHub, defaultGitHubProfileURL, nil, parseGitHubProfile)
}

// NewGoogleProvider はGoogleのProviderを生成する。PKCE(S256)を使う。
func NewGoogleProvider(cfg ProviderConfig) Provider {
	return newProvider(model.ProviderGoogle, true, cfg, endpoints.Google, defaultGoogleProfileURL,
		[]string{"openid", "profile"}, parseGoogleProfile)
}

func newProvider(
	id model.Provider,
	pkce bool,
	cfg ProviderConfig,
	defaultEndpoint oauth2.Endpoint,
	defaultProfileURL string,
	scopes []string,
	parse func([]byte) (*Profile, error),
) *oauthProvider {
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = defaultEndpoint
	}
	profileURL := cfg.ProfileURL
	if profileURL == "" {
		profileURL = defaultProfileURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &oauthProvider{
		id:   id,
		pkce: pkce,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		profileURL: profileURL,
		client:     client,
		parse:      parse,
	}
}

func (p *oauthProvider) ID() model.Provider { return p.id }

func (p *oauthProvider) UsesPKCE() bool { return p.pkce }

func (p *oauthProvider) Endpoints() []string {
	return []string{p.config.Endpoint.TokenURL, p.profileURL}
}

func (p *oauthProvider) AuthCodeURL(state, verifier string) string {
	if p.pkce {
		return p.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	}
	return p.config.AuthCodeURL(state)
}

func (p *oauthProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	var opts []oauth2.AuthCodeOption
	if p.pkce {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := p.config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return tok, nil
}

func (p *oauthProvider) FetchProfile(ctx context.Context, tok *oauth2.Token) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.profileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProfileStatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile response: %w", err)
	}

	profile, err := p.parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse profile response: %w", err)
	}
	return profile, nil
}

// githubUser はGitHubの/userレスポンス。idは数値で返る。
type githubUser struct {
	ID    json.Number `json:"id"`
	Login string      `json:"login"`
}

func parseGitHubProfile(body []byte) (*Profile, error) {
	var u githubUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, errors.New("empty id in github profile")
	}
	return &Profile{ProviderUserID: u.ID.String(), Login: u.Login}, nil
}

// googleUser はGoogleのuserinfoレスポンス。
type googleUser struct {
	Sub     string `json:"sub"`
	Picture string `json:"picture"`
}

func parseGoogleProfile(body []byte) (*Profile, error) {
	var u googleUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, err
	}
	if u.Sub == "" {
		return nil, errors.New("empty sub in google profile")
	}
	return &Profile{ProviderUserID: u.Sub, Picture: u.Picture}, nil
}
