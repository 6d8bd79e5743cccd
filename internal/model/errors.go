package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, membership, payment, magazine, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeAccountLocked      = "ACCOUNT_LOCKED"
	ErrCodeDuplicateUser      = "DUPLICATE_USER"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeTierNotFound       = "TIER_NOT_FOUND"
	ErrCodeInvalidCycle       = "INVALID_BILLING_CYCLE"
	ErrCodeCycleNotSupported  = "CYCLE_NOT_SUPPORTED"
	ErrCodeMagazineNotFound   = "MAGAZINE_NOT_FOUND"
	ErrCodeAccessDenied       = "ACCESS_DENIED"
	ErrCodeInvalidFileType    = "INVALID_FILE_TYPE"
	ErrCodeCorruptFile        = "CORRUPT_FILE"
	ErrCodeInvalidProvider    = "INVALID_PROVIDER"
	ErrCodeInvalidState       = "INVALID_STATE"
	ErrCodePaymentNotFound    = "PAYMENT_NOT_FOUND"
)

// NewInvalidRequestError は入力値の検証エラーを生成する。
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  message,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidCredentialsError は認証失敗エラーを生成する。
// ユーザー不在とパスワード不一致を区別しない（アカウント列挙対策）。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "ユーザー名またはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewAccountLockedError はログイン失敗回数超過によるロックエラーを生成する。
func NewAccountLockedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountLocked,
		Message:  "ログイン失敗が規定回数を超えたため、一時的にロックされています。",
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewDuplicateUserError はユーザー名またはメールアドレスの重複エラーを生成する。
func NewDuplicateUserError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateUser,
		Message:  "このユーザー名またはメールアドレスは既に使用されています。",
		Category: "validation",
		Action:   "別のユーザー名またはメールアドレスを指定してください。",
	}
}

// NewInvalidTokenError は不正・期限切れ・種別不一致のトークンエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "アクセストークンが無効です。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewTierNotFoundError は無効または非アクティブな会員ランクエラーを生成する。
func NewTierNotFoundError(tierID int64) *APIError {
	return &APIError{
		Code:     ErrCodeTierNotFound,
		Message:  fmt.Sprintf("指定された会員ランクが見つからないか無効です: %d", tierID),
		Category: "membership",
		Action:   "会員ランク一覧から有効なランクを選択してください。",
	}
}

// NewInvalidCycleError は無効な課金サイクルエラーを生成する。
func NewInvalidCycleError(cycle string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCycle,
		Message:  fmt.Sprintf("無効な課金サイクルです: %s", cycle),
		Category: "validation",
		Action:   "課金サイクルには monthly または yearly を指定してください。",
	}
}

// NewCycleNotSupportedError はランクが課金サイクルを提供していない場合のエラーを生成する。
func NewCycleNotSupportedError(cycle string) *APIError {
	return &APIError{
		Code:     ErrCodeCycleNotSupported,
		Message:  fmt.Sprintf("この会員ランクでは %s の課金サイクルを提供していません。", cycle),
		Category: "membership",
		Action:   "別の課金サイクルを選択してください。",
	}
}

// NewMagazineNotFoundError は雑誌未検出エラーを生成する。
func NewMagazineNotFoundError(magazineID int64) *APIError {
	return &APIError{
		Code:     ErrCodeMagazineNotFound,
		Message:  fmt.Sprintf("指定された雑誌が見つかりません: %d", magazineID),
		Category: "magazine",
		Action:   "雑誌IDを確認してください。",
	}
}

// NewAccessDeniedError は閲覧・ダウンロード権限なしのエラーを生成する。
func NewAccessDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccessDenied,
		Message:  "この雑誌を閲覧またはダウンロードする権限がありません。",
		Category: "membership",
		Action:   "会員ランクのアップグレードをご検討ください。",
	}
}

// NewInvalidFileTypeError は受け付けないファイル形式のエラーを生成する。
func NewInvalidFileTypeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFileType,
		Message:  "アップロードできるのはPDFファイルのみです。",
		Category: "validation",
		Action:   "PDF形式のファイルを指定してください。",
	}
}

// NewCorruptFileError は暗号化ペイロードの破損・改ざんエラーを生成する。
func NewCorruptFileError() *APIError {
	return &APIError{
		Code:     ErrCodeCorruptFile,
		Message:  "保存されたファイルの復号に失敗しました。",
		Category: "system",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewInvalidProviderError は未対応のOAuthプロバイダーエラーを生成する。
func NewInvalidProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidProvider,
		Message:  fmt.Sprintf("未対応のログインプロバイダーです: %s", provider),
		Category: "validation",
		Action:   "wechat、weibo、douyin のいずれかを指定してください。",
	}
}

// NewPaymentNotFoundError は支払いが見つからないエラーを生成する。
func NewPaymentNotFoundError(paymentID int64) *APIError {
	return &APIError{
		Code:     ErrCodePaymentNotFound,
		Message:  fmt.Sprintf("指定された支払いが見つかりません: %d", paymentID),
		Category: "payment",
		Action:   "注文番号を確認してください。",
	}
}

// NewInvalidStateError はstateトークンの検証失敗（偽造・再利用・期限切れ）エラーを生成する。
func NewInvalidStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  "認証リクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "最初からログインをやり直してください。",
	}
}
