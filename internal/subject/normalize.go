// Package subject は科目名の正規化と、科目からチューター候補を探す処理を提供する。
package subject

import (
	"strings"
	"unicode"
)

// NormalizeName は前後の空白を除去し、連続する空白を1つに圧縮する。
// 大文字小文字は保持する（表示用）。
func NormalizeName(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// MatchKey は比較用のキーを返す。正規化後に小文字化したもの。
// SQL側の lower(btrim(regexp_replace(x, '\s+', ' ', 'g'))) と同じ結果になる。
func MatchKey(raw string) string {
	return strings.ToLower(NormalizeName(raw))
}

// Matches は2つの科目名が正規化後に完全一致するかを返す。部分一致は扱わない。
func Matches(a, b string) bool {
	ka := MatchKey(a)
	return ka != "" && ka == MatchKey(b)
}

// Slugify は科目名をURLに使える識別子に変換する。
// 文字と数字以外はハイフンに置き換え、連続するハイフンは1つにまとめる。
// 英字以外の文字（日本語など）はそのまま残す。
func Slugify(raw string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(NormalizeName(raw)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}
