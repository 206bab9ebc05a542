package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func computeHMAC(secret []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, secret)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// hexの大文字小文字は区別しない。比較は定数時間
func equalHexMAC(expected []byte, given string) bool {
	decoded, err := hex.DecodeString(strings.TrimSpace(strings.ToLower(given)))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded)
}

// SignHex はテストやサンドボックス送信用
func SignHex(secret string, body []byte) string {
	return strings.ToUpper(hex.EncodeToString(computeHMAC([]byte(secret), body)))
}
