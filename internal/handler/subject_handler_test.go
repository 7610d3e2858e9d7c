package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/tutormatch/internal/model"
)

// mockSubjectResolver はSubjectResolverInterfaceのモック実装。
type mockSubjectResolver struct {
	listSubjectsFn func(ctx context.Context) ([]model.SubjectEntry, error)
	findTutorsFn   func(ctx context.Context, subjectName string) ([]model.CandidateTutor, error)
}

func (m *mockSubjectResolver) ListSubjects(ctx context.Context) ([]model.SubjectEntry, error) {
	if m.listSubjectsFn != nil {
		return m.listSubjectsFn(ctx)
	}
	return nil, nil
}

func (m *mockSubjectResolver) FindTutorsForSubject(ctx context.Context, subjectName string) ([]model.CandidateTutor, error) {
	if m.findTutorsFn != nil {
		return m.findTutorsFn(ctx, subjectName)
	}
	return nil, nil
}

func TestListSubjects_Success(t *testing.T) {
	h := NewSubjectHandler(&mockSubjectResolver{
		listSubjectsFn: func(context.Context) ([]model.SubjectEntry, error) {
			return []model.SubjectEntry{
				{ID: "subj-1", Name: "Calculus", Slug: "calculus", Source: model.SubjectSourceCatalog},
				{ID: "availability:organic-chemistry", Name: "Organic Chemistry", Slug: "organic-chemistry", Source: model.SubjectSourceAvailability},
			}, nil
		},
	})

	w := httptest.NewRecorder()
	h.ListSubjects(w, httptest.NewRequest(http.MethodGet, "/instant-subjects", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody[subjectListResponse](t, w)
	if body.Total != 2 || len(body.Items) != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Items[1].Source != "availability" || body.Items[1].Slug != "organic-chemistry" {
		t.Errorf("unexpected item: %+v", body.Items[1])
	}
}

func TestListSubjects_Empty(t *testing.T) {
	h := NewSubjectHandler(&mockSubjectResolver{})

	w := httptest.NewRecorder()
	h.ListSubjects(w, httptest.NewRequest(http.MethodGet, "/instant-subjects", nil))

	body := decodeBody[subjectListResponse](t, w)
	if body.Items == nil || body.Total != 0 {
		t.Errorf("expected empty items array, got %+v", body)
	}
}

func TestListSubjects_StoreError_Returns500(t *testing.T) {
	h := NewSubjectHandler(&mockSubjectResolver{
		listSubjectsFn: func(context.Context) ([]model.SubjectEntry, error) {
			return nil, errors.New("catalog unavailable")
		},
	})

	w := httptest.NewRecorder()
	h.ListSubjects(w, httptest.NewRequest(http.MethodGet, "/instant-subjects", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestFindTutors_Success(t *testing.T) {
	next := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	var gotName string
	h := NewSubjectHandler(&mockSubjectResolver{
		findTutorsFn: func(_ context.Context, name string) ([]model.CandidateTutor, error) {
			gotName = name
			return []model.CandidateTutor{
				{TutorID: "tutor-1", Email: "t1@example.com", DisplayName: "Aiko", SourceHeuristic: "availability+profile", Subjects: []string{"Calculus"}, NextAvailableTime: &next},
				{TutorID: "tutor-2", Email: "t2@example.com", DisplayName: "Ben", SourceHeuristic: "profile"},
			}, nil
		},
	})

	w := httptest.NewRecorder()
	h.FindTutors(w, httptest.NewRequest(http.MethodGet, "/instant-tutors?subject=Calculus", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotName != "Calculus" {
		t.Errorf("subject = %q", gotName)
	}
	body := decodeBody[tutorListResponse](t, w)
	if body.Subject != "Calculus" || body.Total != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Items[0].NextAvailableTime == nil || !body.Items[0].NextAvailableTime.Equal(next) {
		t.Errorf("nextAvailableTime = %v", body.Items[0].NextAvailableTime)
	}
	if body.Items[1].Subjects == nil {
		t.Error("subjects should be an empty array, not null")
	}
}

func TestFindTutors_EchoesNormalizedSubject(t *testing.T) {
	h := NewSubjectHandler(&mockSubjectResolver{
		findTutorsFn: func(context.Context, string) ([]model.CandidateTutor, error) {
			return nil, nil
		},
	})

	w := httptest.NewRecorder()
	h.FindTutors(w, httptest.NewRequest(http.MethodGet, "/instant-tutors?subject=%20%20Linear%09%20Algebra%0A", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody[tutorListResponse](t, w)
	if body.Subject != "Linear Algebra" {
		t.Errorf("subject = %q, want %q", body.Subject, "Linear Algebra")
	}
	if body.Items == nil || body.Total != 0 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestFindTutors_MissingSubject_Returns400(t *testing.T) {
	h := NewSubjectHandler(&mockSubjectResolver{
		findTutorsFn: func(context.Context, string) ([]model.CandidateTutor, error) {
			return nil, model.NewInvalidArgumentError("科目名を指定してください")
		},
	})

	w := httptest.NewRecorder()
	h.FindTutors(w, httptest.NewRequest(http.MethodGet, "/instant-tutors", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := parseAPIErrorResponse(t, w); resp["code"] != model.ErrCodeInvalidArgument {
		t.Errorf("code = %q", resp["code"])
	}
}
