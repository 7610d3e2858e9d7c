package model

import "time"

// Subject は科目カタログのエントリ。
type Subject struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
}

// SubjectSource は科目・チューター候補の出所を表すタグ。
type SubjectSource string

const (
	SubjectSourceCatalog      SubjectSource = "catalog"
	SubjectSourceAvailability SubjectSource = "availability"
	SubjectSourceProfile      SubjectSource = "profile"
)

// SubjectEntry は科目一覧APIに返す重複排除済みの科目。
type SubjectEntry struct {
	ID     string
	Name   string
	Slug   string
	Source SubjectSource
}

// TutorAvailability はチューターの空き時間レコード。
// 古いレコードはtutor_idを持たずメールアドレスのみのことがある。
type TutorAvailability struct {
	ID         string
	TutorID    *string
	TutorEmail string
	Subject    string
	StartTime  time.Time
	EndTime    time.Time
	CreatedAt  time.Time
}

// CandidateTutor は科目検索の結果として返す一時的なチューター候補。永続化しない。
type CandidateTutor struct {
	TutorID           string
	Email             string
	DisplayName       string
	AvatarURL         string
	Subjects          []string
	SourceHeuristic   string
	NextAvailableTime *time.Time
}
