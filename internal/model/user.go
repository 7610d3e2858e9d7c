// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーの役割を表す。
type Role string

const (
	// RoleStudent は生徒。
	RoleStudent Role = "student"
	// RoleTutor はチューター。
	RoleTutor Role = "tutor"
	// RoleSystem はリーパー等の内部処理を表す。永続化されない。
	RoleSystem Role = "system"
)

// User はプロフィールストアのユーザーを表す。
// チューターはSubjectsに担当科目を自由記述で持つ。
type User struct {
	ID          string
	Email       string
	DisplayName string
	AvatarURL   string
	Role        Role
	Subjects    []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Session はユーザーのログインセッションを表す。
// トークンの発行は別サブシステムが担い、本サービスは検証のみ行う。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Actor は遷移操作を呼び出した主体。
type Actor struct {
	ID   string
	Role Role
}

// SystemActor はリーパーが使う内部アクター。
var SystemActor = Actor{ID: "system", Role: RoleSystem}
