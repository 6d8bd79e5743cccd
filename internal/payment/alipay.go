// Package payment は支払いゲートウェイとの連携と支払い確定処理を提供する。
package payment

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/zasshi/internal/config"
)

// cstZone はAlipayがタイムスタンプに使用する中国標準時（UTC+8）。
var cstZone = time.FixedZone("CST", 8*60*60)

// gmtLayout はAlipayコールバックのタイムスタンプ形式。
const gmtLayout = "2006-01-02 15:04:05"

// AlipayClient はAlipayの署名検証と決済ページURLの構築を行う。
type AlipayClient struct {
	appID      string
	gatewayURL string
	notifyURL  string
	returnURL  string
	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey
	now        func() time.Time
}

// NewAlipayClient は設定からAlipayClientを生成する。
// 鍵が未設定の場合はnilのまま保持し、該当操作の呼び出し時にエラーを返す。
func NewAlipayClient(cfg *config.Config) (*AlipayClient, error) {
	c := &AlipayClient{
		appID:      cfg.AlipayAppID,
		gatewayURL: cfg.AlipayGatewayURL,
		notifyURL:  cfg.AlipayNotifyURL,
		returnURL:  cfg.AlipayReturnURL,
		now:        time.Now,
	}
	if cfg.AlipayPublicKey != "" {
		pub, err := parseRSAPublicKey(cfg.AlipayPublicKey)
		if err != nil {
			return nil, fmt.Errorf("Alipay公開鍵の解析に失敗しました: %w", err)
		}
		c.publicKey = pub
	}
	if cfg.AlipayPrivateKey != "" {
		priv, err := parseRSAPrivateKey(cfg.AlipayPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("Alipay秘密鍵の解析に失敗しました: %w", err)
		}
		c.privateKey = priv
	}
	return c, nil
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("PEMブロックが見つかりません")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("RSA公開鍵ではありません")
	}
	return pub, nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("PEMブロックが見つかりません")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("RSA秘密鍵ではありません")
	}
	return priv, nil
}

// canonicalize はsign・sign_typeと空値を除いたフィールドをキー昇順で
// key=value&... に連結する。値はフォーム解析済みのデコード済み文字列を使う。
func canonicalize(form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k == "sign" || k == "sign_type" {
			continue
		}
		if form.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+form.Get(k))
	}
	return strings.Join(pairs, "&")
}

// VerifySignature はコールバックのRSA2（SHA256withRSA）署名を検証する。
func (c *AlipayClient) VerifySignature(form url.Values) bool {
	if c.publicKey == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(form.Get("sign"))
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(canonicalize(form)))
	return rsa.VerifyPKCS1v15(c.publicKey, crypto.SHA256, digest[:], sig) == nil
}

// BuildPagePayURL はPCブラウザ向け決済ページへのリダイレクトURLを構築する。
// out_trade_noには支払いIDの10進文字列を使用する。
func (c *AlipayClient) BuildPagePayURL(paymentID int64, subject string, amount decimal.Decimal) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("Alipay秘密鍵が設定されていません")
	}

	bizContent, err := json.Marshal(map[string]string{
		"out_trade_no": strconv.FormatInt(paymentID, 10),
		"product_code": "FAST_INSTANT_TRADE_PAY",
		"total_amount": amount.StringFixed(2),
		"subject":      subject,
	})
	if err != nil {
		return "", fmt.Errorf("biz_contentの構築に失敗しました: %w", err)
	}

	params := url.Values{}
	params.Set("app_id", c.appID)
	params.Set("method", "alipay.trade.page.pay")
	params.Set("charset", "utf-8")
	params.Set("sign_type", "RSA2")
	params.Set("timestamp", c.now().In(cstZone).Format(gmtLayout))
	params.Set("version", "1.0")
	params.Set("biz_content", string(bizContent))
	if c.notifyURL != "" {
		params.Set("notify_url", c.notifyURL)
	}
	if c.returnURL != "" {
		params.Set("return_url", c.returnURL)
	}

	digest := sha256.Sum256([]byte(canonicalize(params)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("リクエスト署名の生成に失敗しました: %w", err)
	}
	params.Set("sign", base64.StdEncoding.EncodeToString(sig))

	return c.gatewayURL + "?" + params.Encode(), nil
}
