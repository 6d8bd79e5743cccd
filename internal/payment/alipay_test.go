package payment

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/zasshi/internal/config"
)

// newTestKeys はテスト用のRSA鍵ペアをPEM形式で生成する。
func newTestKeys(t *testing.T) (privPEM, pubPEM string, priv *rsa.PrivateKey) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}

	privPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("x509.MarshalPKIXPublicKey: %v", err)
	}
	pubPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	}))
	return privPEM, pubPEM, priv
}

func newTestClient(t *testing.T) (*AlipayClient, *rsa.PrivateKey) {
	t.Helper()

	privPEM, pubPEM, priv := newTestKeys(t)
	client, err := NewAlipayClient(&config.Config{
		AlipayAppID:      "2021000000000000",
		AlipayGatewayURL: "https://openapi.alipay.com/gateway.do",
		AlipayNotifyURL:  "http://localhost:8080/api/payments/callback/alipay",
		AlipayPublicKey:  pubPEM,
		AlipayPrivateKey: privPEM,
	})
	if err != nil {
		t.Fatalf("NewAlipayClient: %v", err)
	}
	return client, priv
}

// signForm はゲートウェイと同じ手順でフォームに署名を付与する。
func signForm(t *testing.T, priv *rsa.PrivateKey, form url.Values) {
	t.Helper()

	digest := sha256.Sum256([]byte(canonicalize(form)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("rsa.SignPKCS1v15: %v", err)
	}
	form.Set("sign", base64.StdEncoding.EncodeToString(sig))
	form.Set("sign_type", "RSA2")
}

func TestCanonicalize(t *testing.T) {
	form := url.Values{}
	form.Set("trade_no", "2026031822001")
	form.Set("out_trade_no", "55")
	form.Set("total_amount", "39.00")
	form.Set("sign", "should-be-excluded")
	form.Set("sign_type", "RSA2")
	form.Set("empty_field", "")

	got := canonicalize(form)
	want := "out_trade_no=55&total_amount=39.00&trade_no=2026031822001"
	if got != want {
		t.Errorf("canonicalize = %q, want %q", got, want)
	}
}

func TestVerifySignature_RoundTrip(t *testing.T) {
	client, priv := newTestClient(t)

	form := url.Values{}
	form.Set("out_trade_no", "55")
	form.Set("trade_no", "2026031822001")
	form.Set("trade_status", "TRADE_SUCCESS")
	form.Set("total_amount", "39.00")
	form.Set("gmt_payment", "2026-03-18 16:30:00")
	signForm(t, priv, form)

	if !client.VerifySignature(form) {
		t.Error("valid signature must verify")
	}
}

func TestVerifySignature_RejectsTamperedForm(t *testing.T) {
	client, priv := newTestClient(t)

	form := url.Values{}
	form.Set("out_trade_no", "55")
	form.Set("total_amount", "39.00")
	signForm(t, priv, form)

	// 署名後に金額を改ざん
	form.Set("total_amount", "0.01")

	if client.VerifySignature(form) {
		t.Error("tampered form must not verify")
	}
}

func TestVerifySignature_RejectsWrongKey(t *testing.T) {
	client, _ := newTestClient(t)
	_, _, otherKey := newTestKeys(t)

	form := url.Values{}
	form.Set("out_trade_no", "55")
	signForm(t, otherKey, form)

	if client.VerifySignature(form) {
		t.Error("signature from a different key must not verify")
	}
}

func TestVerifySignature_RejectsMissingOrGarbageSign(t *testing.T) {
	client, _ := newTestClient(t)

	form := url.Values{}
	form.Set("out_trade_no", "55")
	if client.VerifySignature(form) {
		t.Error("missing sign must not verify")
	}

	form.Set("sign", "%%%not-base64%%%")
	if client.VerifySignature(form) {
		t.Error("garbage sign must not verify")
	}
}

func TestVerifySignature_NoPublicKey(t *testing.T) {
	client, err := NewAlipayClient(&config.Config{})
	if err != nil {
		t.Fatalf("NewAlipayClient: %v", err)
	}

	form := url.Values{}
	form.Set("out_trade_no", "55")
	if client.VerifySignature(form) {
		t.Error("client without public key must reject all signatures")
	}
}

func TestBuildPagePayURL(t *testing.T) {
	client, _ := newTestClient(t)
	client.now = func() time.Time { return time.Date(2026, 3, 18, 8, 30, 0, 0, time.UTC) }

	rawURL, err := client.BuildPagePayURL(55, "会員ランクアップグレード", decimal.RequireFromString("39.00"))
	if err != nil {
		t.Fatalf("BuildPagePayURL: %v", err)
	}
	if !strings.HasPrefix(rawURL, "https://openapi.alipay.com/gateway.do?") {
		t.Fatalf("unexpected URL prefix: %s", rawURL)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	q := parsed.Query()

	if q.Get("method") != "alipay.trade.page.pay" {
		t.Errorf("method = %q", q.Get("method"))
	}
	if q.Get("sign_type") != "RSA2" {
		t.Errorf("sign_type = %q", q.Get("sign_type"))
	}
	if q.Get("sign") == "" {
		t.Error("sign must be present")
	}
	// タイムスタンプは北京時間で埋める
	if q.Get("timestamp") != "2026-03-18 16:30:00" {
		t.Errorf("timestamp = %q, want CST formatted", q.Get("timestamp"))
	}
	if !strings.Contains(q.Get("biz_content"), `"out_trade_no":"55"`) {
		t.Errorf("biz_content missing order id: %s", q.Get("biz_content"))
	}
	if !strings.Contains(q.Get("biz_content"), `"total_amount":"39.00"`) {
		t.Errorf("biz_content missing amount: %s", q.Get("biz_content"))
	}
}

func TestBuildPagePayURL_NoPrivateKey(t *testing.T) {
	client, err := NewAlipayClient(&config.Config{AlipayGatewayURL: "https://example.com"})
	if err != nil {
		t.Fatalf("NewAlipayClient: %v", err)
	}

	if _, err := client.BuildPagePayURL(1, "x", decimal.NewFromInt(1)); err == nil {
		t.Error("expected error without private key")
	}
}
