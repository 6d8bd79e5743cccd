// Package oauth は外部IdP（WeChat・Weibo・Douyin）との連携ログインを提供する。
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/zasshi/internal/config"
)

// Identity はIdPから取得した外部アイデンティティ。
// ProviderUserIDは安定識別子で、unionid系が取得できた場合はそちらを優先する。
type Identity struct {
	Provider       string
	ProviderUserID string
	UnionID        *string
	Nickname       string
	AvatarURL      string
	AccessToken    string
	RefreshToken   *string
	Scope          *string
}

// Provider は外部IdP 1社分の認可URL構築とコード交換を行う。
type Provider interface {
	Name() string
	AuthorizeURL(state string) string
	Exchange(ctx context.Context, code string) (*Identity, error)
}

// NewProviders は設定から対応プロバイダーの閉じたテーブルを構築する。
func NewProviders(cfg *config.Config, client *http.Client) map[string]Provider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return map[string]Provider{
		"wechat": &wechatProvider{cfg: cfg.WeChat, client: client},
		"weibo":  &weiboProvider{cfg: cfg.Weibo, client: client},
		"douyin": &douyinProvider{cfg: cfg.Douyin, client: client},
	}
}

func getJSON(ctx context.Context, client *http.Client, method, rawURL string, form url.Values, dest any) error {
	var body io.Reader
	if method == http.MethodPost && form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("IdPへのリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("IdP応答の読み取りに失敗しました: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("IdPがエラーを返しました: status=%d body=%s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("IdP応答の解析に失敗しました: %w", err)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// --- WeChat ---

type wechatProvider struct {
	cfg    config.OAuthProviderConfig
	client *http.Client
}

var _ Provider = (*wechatProvider)(nil)

func (p *wechatProvider) Name() string { return "wechat" }

// AuthorizeURL はQRコードログインの認可URLを返す。
// WeChatはクライアントIDパラメータ名がappidで、末尾に#wechat_redirectを要求する。
func (p *wechatProvider) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("appid", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", p.cfg.Scope)
	q.Set("state", state)
	return "https://open.weixin.qq.com/connect/qrconnect?" + q.Encode() + "#wechat_redirect"
}

func (p *wechatProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	q := url.Values{}
	q.Set("appid", p.cfg.ClientID)
	q.Set("secret", p.cfg.ClientSecret)
	q.Set("code", code)
	q.Set("grant_type", "authorization_code")

	var tok struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		OpenID       string `json:"openid"`
		UnionID      string `json:"unionid"`
		Scope        string `json:"scope"`
		ErrCode      int    `json:"errcode"`
		ErrMsg       string `json:"errmsg"`
	}
	tokenURL := "https://api.weixin.qq.com/sns/oauth2/access_token?" + q.Encode()
	if err := getJSON(ctx, p.client, http.MethodGet, tokenURL, nil, &tok); err != nil {
		return nil, err
	}
	if tok.ErrCode != 0 {
		return nil, fmt.Errorf("WeChatのコード交換に失敗しました: errcode=%d errmsg=%s", tok.ErrCode, tok.ErrMsg)
	}

	uq := url.Values{}
	uq.Set("access_token", tok.AccessToken)
	uq.Set("openid", tok.OpenID)

	var info struct {
		OpenID     string `json:"openid"`
		UnionID    string `json:"unionid"`
		Nickname   string `json:"nickname"`
		HeadImgURL string `json:"headimgurl"`
		ErrCode    int    `json:"errcode"`
		ErrMsg     string `json:"errmsg"`
	}
	infoURL := "https://api.weixin.qq.com/sns/userinfo?" + uq.Encode()
	if err := getJSON(ctx, p.client, http.MethodGet, infoURL, nil, &info); err != nil {
		return nil, err
	}
	if info.ErrCode != 0 {
		return nil, fmt.Errorf("WeChatのユーザー情報取得に失敗しました: errcode=%d errmsg=%s", info.ErrCode, info.ErrMsg)
	}

	unionID := tok.UnionID
	if unionID == "" {
		unionID = info.UnionID
	}
	// unionidが取得できる場合はアプリ横断で安定なためopenidより優先する
	providerUserID := info.OpenID
	if unionID != "" {
		providerUserID = unionID
	}
	return &Identity{
		Provider:       "wechat",
		ProviderUserID: providerUserID,
		UnionID:        optional(unionID),
		Nickname:       info.Nickname,
		AvatarURL:      info.HeadImgURL,
		AccessToken:    tok.AccessToken,
		RefreshToken:   optional(tok.RefreshToken),
		Scope:          optional(tok.Scope),
	}, nil
}

// --- Weibo ---

type weiboProvider struct {
	cfg    config.OAuthProviderConfig
	client *http.Client
}

var _ Provider = (*weiboProvider)(nil)

func (p *weiboProvider) Name() string { return "weibo" }

func (p *weiboProvider) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("state", state)
	return "https://api.weibo.com/oauth2/authorize?" + q.Encode()
}

func (p *weiboProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	form := url.Values{}
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.cfg.RedirectURI)

	var tok struct {
		AccessToken string `json:"access_token"`
		UID         string `json:"uid"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := getJSON(ctx, p.client, http.MethodPost, "https://api.weibo.com/oauth2/access_token", form, &tok); err != nil {
		return nil, err
	}
	if tok.Error != "" {
		return nil, fmt.Errorf("Weiboのコード交換に失敗しました: %s (%s)", tok.Error, tok.ErrorDesc)
	}
	if tok.UID == "" {
		return nil, fmt.Errorf("Weiboの応答にuidが含まれていません")
	}

	uq := url.Values{}
	uq.Set("access_token", tok.AccessToken)
	uq.Set("uid", tok.UID)

	var info struct {
		ScreenName      string `json:"screen_name"`
		ProfileImageURL string `json:"profile_image_url"`
	}
	infoURL := "https://api.weibo.com/2/users/show.json?" + uq.Encode()
	if err := getJSON(ctx, p.client, http.MethodGet, infoURL, nil, &info); err != nil {
		return nil, err
	}

	return &Identity{
		Provider:       "weibo",
		ProviderUserID: tok.UID,
		Nickname:       info.ScreenName,
		AvatarURL:      info.ProfileImageURL,
		AccessToken:    tok.AccessToken,
	}, nil
}

// --- Douyin ---

type douyinProvider struct {
	cfg    config.OAuthProviderConfig
	client *http.Client
}

var _ Provider = (*douyinProvider)(nil)

func (p *douyinProvider) Name() string { return "douyin" }

// AuthorizeURL は認可URLを返す。DouyinはクライアントIDパラメータ名がclient_key。
func (p *douyinProvider) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_key", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", p.cfg.Scope)
	q.Set("state", state)
	return "https://open.douyin.com/platform/oauth/connect?" + q.Encode()
}

func (p *douyinProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	q := url.Values{}
	q.Set("client_key", p.cfg.ClientID)
	q.Set("client_secret", p.cfg.ClientSecret)
	q.Set("code", code)
	q.Set("grant_type", "authorization_code")

	var tok struct {
		Data struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			OpenID       string `json:"open_id"`
			Scope        string `json:"scope"`
			ErrorCode    int    `json:"error_code"`
			Description  string `json:"description"`
		} `json:"data"`
	}
	tokenURL := "https://open.douyin.com/oauth/access_token/?" + q.Encode()
	if err := getJSON(ctx, p.client, http.MethodGet, tokenURL, nil, &tok); err != nil {
		return nil, err
	}
	if tok.Data.ErrorCode != 0 {
		return nil, fmt.Errorf("Douyinのコード交換に失敗しました: error_code=%d description=%s", tok.Data.ErrorCode, tok.Data.Description)
	}

	uq := url.Values{}
	uq.Set("access_token", tok.Data.AccessToken)
	uq.Set("open_id", tok.Data.OpenID)

	var info struct {
		Data struct {
			OpenID      string `json:"open_id"`
			UnionID     string `json:"union_id"`
			Nickname    string `json:"nickname"`
			Avatar      string `json:"avatar"`
			ErrorCode   int    `json:"error_code"`
			Description string `json:"description"`
		} `json:"data"`
	}
	infoURL := "https://open.douyin.com/oauth/userinfo/?" + uq.Encode()
	if err := getJSON(ctx, p.client, http.MethodGet, infoURL, nil, &info); err != nil {
		return nil, err
	}
	if info.Data.ErrorCode != 0 {
		return nil, fmt.Errorf("Douyinのユーザー情報取得に失敗しました: error_code=%d description=%s", info.Data.ErrorCode, info.Data.Description)
	}

	// union_idが取得できる場合はopen_idより優先する
	providerUserID := info.Data.OpenID
	if info.Data.UnionID != "" {
		providerUserID = info.Data.UnionID
	}
	return &Identity{
		Provider:       "douyin",
		ProviderUserID: providerUserID,
		UnionID:        optional(info.Data.UnionID),
		Nickname:       info.Data.Nickname,
		AvatarURL:      info.Data.Avatar,
		AccessToken:    tok.Data.AccessToken,
		RefreshToken:   optional(tok.Data.RefreshToken),
		Scope:          optional(tok.Data.Scope),
	}, nil
}
