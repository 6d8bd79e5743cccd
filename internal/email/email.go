// Package email はメール送信を提供する。
package email

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"
)

// Sender は更新リマインダー等のメール送信インターフェース。
type Sender interface {
	SendRenewalReminder(ctx context.Context, to, username, tierName string, endDate time.Time) error
}

// SMTPSender はnet/smtpによるSender実装。
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
}

var _ Sender = (*SMTPSender)(nil)

// NewSMTPSender はSMTPSenderを生成する。fromが空の場合はusernameを差出人に使う。
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	if from == "" {
		from = username
	}
	return &SMTPSender{host: host, port: port, username: username, password: password, from: from}
}

// SendRenewalReminder は会員権の更新リマインダーを送信する。
func (s *SMTPSender) SendRenewalReminder(ctx context.Context, to, username, tierName string, endDate time.Time) error {
	subject := "会員権の有効期限が近づいています"
	body := fmt.Sprintf(
		"%s 様\r\n\r\nご利用中の会員ランク「%s」は %s に有効期限を迎えます。\r\n継続してご利用いただくには更新手続きをお願いします。\r\n",
		username, tierName, endDate.Format("2006-01-02"))
	return s.send(to, subject, body)
}

func (s *SMTPSender) send(to, subject, body string) error {
	headers := []string{
		"From: " + s.from,
		"To: " + to,
		"Subject: " + mime.QEncoding.Encode("utf-8", subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
	}
	msg := strings.Join(headers, "\r\n") + "\r\n\r\n" + body

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}
	if err := smtp.SendMail(addr, auth, s.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("メールの送信に失敗しました: %w", err)
	}
	return nil
}

// NopSender は何も送信しないSender。SMTP未設定の環境で使用する。
type NopSender struct{}

var _ Sender = (*NopSender)(nil)

// SendRenewalReminder は何もしない。
func (NopSender) SendRenewalReminder(ctx context.Context, to, username, tierName string, endDate time.Time) error {
	return nil
}
