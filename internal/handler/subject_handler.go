package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/tutormatch/internal/model"
	"github.com/hitoshi/tutormatch/internal/subject"
)

// SubjectResolverInterface は科目ハンドラーが必要とするサービスインターフェース。
type SubjectResolverInterface interface {
	ListSubjects(ctx context.Context) ([]model.SubjectEntry, error)
	FindTutorsForSubject(ctx context.Context, subjectName string) ([]model.CandidateTutor, error)
}

// SubjectHandler は科目一覧とチューター候補検索のHTTPハンドラー。
type SubjectHandler struct {
	resolver SubjectResolverInterface
}

// NewSubjectHandler はSubjectHandlerを生成する。
func NewSubjectHandler(resolver SubjectResolverInterface) *SubjectHandler {
	return &SubjectHandler{resolver: resolver}
}

type subjectResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Source string `json:"source"`
}

type subjectListResponse struct {
	Items []subjectResponse `json:"items"`
	Total int               `json:"total"`
}

type tutorResponse struct {
	TutorID           string     `json:"tutorId"`
	Email             string     `json:"email"`
	DisplayName       string     `json:"displayName"`
	AvatarURL         string     `json:"avatarUrl,omitempty"`
	Subjects          []string   `json:"subjects"`
	SourceHeuristic   string     `json:"sourceHeuristic"`
	NextAvailableTime *time.Time `json:"nextAvailableTime"`
}

type tutorListResponse struct {
	Subject string          `json:"subject"`
	Items   []tutorResponse `json:"items"`
	Total   int             `json:"total"`
}

// ListSubjects は重複排除済みの科目一覧を返す。
// GET /instant-subjects
func (h *SubjectHandler) ListSubjects(w http.ResponseWriter, r *http.Request) {
	entries, err := h.resolver.ListSubjects(r.Context())
	if err != nil {
		handleServiceError(w, r, "list_subjects", err)
		return
	}

	items := make([]subjectResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, subjectResponse{
			ID:     e.ID,
			Name:   e.Name,
			Slug:   e.Slug,
			Source: string(e.Source),
		})
	}
	writeJSON(w, http.StatusOK, subjectListResponse{Items: items, Total: len(items)})
}

// FindTutors は科目に対応できるチューター候補を返す。
// GET /instant-tutors?subject=
func (h *SubjectHandler) FindTutors(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("subject")

	tutors, err := h.resolver.FindTutorsForSubject(r.Context(), name)
	if err != nil {
		handleServiceError(w, r, "find_tutors", err)
		return
	}

	items := make([]tutorResponse, 0, len(tutors))
	for _, t := range tutors {
		subjects := t.Subjects
		if subjects == nil {
			subjects = []string{}
		}
		items = append(items, tutorResponse{
			TutorID:           t.TutorID,
			Email:             t.Email,
			DisplayName:       t.DisplayName,
			AvatarURL:         t.AvatarURL,
			Subjects:          subjects,
			SourceHeuristic:   t.SourceHeuristic,
			NextAvailableTime: t.NextAvailableTime,
		})
	}
	writeJSON(w, http.StatusOK, tutorListResponse{Subject: subject.NormalizeName(name), Items: items, Total: len(items)})
}
