// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は利用者が入力する自由記述（科目名、キャンセル理由）から
// マークアップを除去し、プレーンテキストとして保存できる形に整える。
// WebhookGuard は通知用Webhookの送信先を検証し、SSRF防止付きの
// HTTPクライアントを提供する。
package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// TextSanitizerService はプレーンテキスト化のインターフェースを定義する。
type TextSanitizerService interface {
	// Sanitize は全てのHTMLタグを除去し、エンティティを復元したテキストを返す。
	// 前後の空白は除去する。最大文字数（rune数）を超える場合は切り詰める。
	// maxRunes が0以下の場合は切り詰めを行わない。
	Sanitize(raw string, maxRunes int) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyはスレッドセーフであり、複数goroutineから共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLを除去したプレーンテキストを返す。
// StrictPolicyは "&" などをエンティティに変換するため、保存前に元の文字へ戻す。
func (s *textSanitizer) Sanitize(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	text := strings.TrimSpace(html.UnescapeString(stripped))
	return Truncate(text, maxRunes)
}

// Truncate は文字列を最大rune数で切り詰める。マルチバイト文字の途中では切らない。
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxRunes]))
}
