// Package filecrypt は雑誌ファイルの暗号化・復号を提供する。
//
// 鍵はアセットIDとマスターシークレットからSHA-256で決定的に導出するため、
// アセットごとの鍵保存は不要で、保存が必要なのはIVのみ。
// 保存形式は IV(16バイト) || AES-256-CBC暗号文（PKCS#7パディング）。
package filecrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/hitoshi/zasshi/internal/model"
)

// Cipher は1つのマスターシークレットに基づく暗号化器。
type Cipher struct {
	masterSecret string
}

// NewCipher はCipherを生成する。
func NewCipher(masterSecret string) *Cipher {
	return &Cipher{masterSecret: masterSecret}
}

// DeriveKey はアセットIDからAES-256鍵を決定的に導出する。
func (c *Cipher) DeriveKey(assetID string) []byte {
	sum := sha256.Sum256([]byte(assetID + ":" + c.masterSecret))
	return sum[:]
}

// Encrypt は平文を暗号化し、IVを先頭に連結したブロブを返す。
// IVは呼び出しごとに新規生成し、同じアセットの再アップロードでも再利用しない。
func (c *Cipher) Encrypt(assetID string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("空のデータは暗号化できません")
	}

	block, err := aes.NewCipher(c.DeriveKey(assetID))
	if err != nil {
		return nil, fmt.Errorf("暗号器の初期化に失敗しました: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("IVの生成に失敗しました: %w", err)
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	blob := make([]byte, aes.BlockSize+len(padded))
	copy(blob, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(blob[aes.BlockSize:], padded)
	return blob, nil
}

// Decrypt はIV付きブロブを復号して平文を返す。
// 切り詰められたブロブや不正なパディングはCORRUPT_FILEとして拒否する。
func (c *Cipher) Decrypt(assetID string, blob []byte) ([]byte, error) {
	if len(blob) < aes.BlockSize {
		return nil, model.NewCorruptFileError()
	}
	iv := blob[:aes.BlockSize]
	ciphertext := blob[aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, model.NewCorruptFileError()
	}

	block, err := aes.NewCipher(c.DeriveKey(assetID))
	if err != nil {
		return nil, fmt.Errorf("暗号器の初期化に失敗しました: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return unpadPKCS7(plaintext, aes.BlockSize)
}

func padPKCS7(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

// unpadPKCS7 はパディングを除去する。パディングバイトが[1, blockSize]の範囲外、
// または末尾が揃っていない場合は改ざんか鍵違いとして拒否する。
func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, model.NewCorruptFileError()
	}
	padLen := int(data[len(data)-1])
	if padLen < 1 || padLen > blockSize || padLen > len(data) {
		return nil, model.NewCorruptFileError()
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, model.NewCorruptFileError()
		}
	}
	return data[:len(data)-padLen], nil
}
