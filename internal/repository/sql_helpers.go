package repository

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// normalizedMatchSQL は列の値を科目比較キーに変換するSQL式を返す。
// Go側のsubject.MatchKeyと同じく、空白類(タブ・改行を含む)を1つの半角空白に圧縮してから
// 前後を除去し、小文字化する。btrimは半角空白しか除去しないため順序が重要。
func normalizedMatchSQL(column string) string {
	return `lower(btrim(regexp_replace(` + column + `, '\s+', ' ', 'g')))`
}

// validUUID はPostgreSQLのUUID列に渡せる形式かどうかを返す。
// 不正な形式をそのまま渡すとクエリエラーになるため、事前に「存在しない」扱いにする。
func validUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 1
	}
	return limit
}
