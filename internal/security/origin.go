package security

import (
	"net/url"
	"strings"
)

// OriginAllowlist はブラウザからのOriginヘッダーを許可するかどうかを判定する。
// CORSとWebSocketハンドシェイクで同じ判定を共有する。
type OriginAllowlist struct {
	any     bool
	origins map[string]struct{}
}

// ParseOriginAllowlist はカンマ区切りのオリジン一覧を解析する。
// "*" を含む場合はすべてのオリジンを許可する。スキームとホストは小文字に正規化し、
// 末尾のスラッシュは無視する。解析できない要素は捨てる。
func ParseOriginAllowlist(raw string) OriginAllowlist {
	list := OriginAllowlist{origins: make(map[string]struct{})}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" {
			list.any = true
			continue
		}
		if origin, ok := normalizeOrigin(part); ok {
			list.origins[origin] = struct{}{}
		}
	}
	return list
}

// Allows はoriginが許可されている場合にtrueを返す。空のoriginは常に拒否する。
func (l OriginAllowlist) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	if l.any {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, found := l.origins[normalized]
	return found
}

// Empty は許可オリジンが1つも設定されていない場合にtrueを返す。
func (l OriginAllowlist) Empty() bool {
	return !l.any && len(l.origins) == 0
}

func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
