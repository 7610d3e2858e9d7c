package subject

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/tutormatch/internal/model"
	"github.com/hitoshi/tutormatch/internal/repository"
)

// defaultScanLimit は各情報源を走査するときの上限件数。
const defaultScanLimit = 2000

const (
	heuristicAvailability = "availability"
	heuristicProfile      = "profile"
	heuristicBoth         = "availability+profile"
)

// Resolver は科目一覧の集約と、科目に対応できるチューター候補の探索を行う。
// 状態を持たないため複数goroutineから同時に呼び出せる。
type Resolver struct {
	catalog      repository.SubjectCatalogRepository
	availability repository.AvailabilityRepository
	users        repository.UserRepository
	scanLimit    int
	logger       *slog.Logger
	nowFunc      func() time.Time
}

// NewResolver はResolverを生成する。scanLimitが0以下の場合は既定値を使う。
func NewResolver(
	catalog repository.SubjectCatalogRepository,
	availability repository.AvailabilityRepository,
	users repository.UserRepository,
	scanLimit int,
	logger *slog.Logger,
) *Resolver {
	if scanLimit <= 0 {
		scanLimit = defaultScanLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		catalog:      catalog,
		availability: availability,
		users:        users,
		scanLimit:    scanLimit,
		logger:       logger,
		nowFunc:      time.Now,
	}
}

// SetNowFunc はテスト用に現在時刻の取得関数を差し替える。
func (r *Resolver) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

// ListSubjects はカタログ・空き時間・プロフィールの順に科目を集めて重複を除いた一覧を返す。
// カタログを先に走査するため、同じスラッグではカタログのエントリが優先される。
func (r *Resolver) ListSubjects(ctx context.Context) ([]model.SubjectEntry, error) {
	catalog, err := r.catalog.List(ctx, r.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("科目カタログの取得に失敗しました: %w", err)
	}
	availNames, err := r.availability.ListSubjectNames(ctx, r.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("空き時間の科目取得に失敗しました: %w", err)
	}
	profileNames, err := r.users.ListTutorSubjects(ctx, r.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("プロフィール科目の取得に失敗しました: %w", err)
	}

	sources := []CandidateSource{
		CatalogSource(catalog),
		AvailabilitySource(availNames),
		ProfileSource(profileNames),
	}
	entries := Merge(sources...)

	r.logger.Debug("subjects resolved",
		slog.Int("catalog", len(catalog)),
		slog.Int("availability", len(availNames)),
		slog.Int("profile", len(profileNames)),
		slog.Int("merged", len(entries)),
	)
	return entries, nil
}

// candidate は探索中のチューター候補。
type candidate struct {
	tutor           model.CandidateTutor
	fromAvail       bool
	fromProfile     bool
	profileResolved bool
}

// candidateSet はチューターIDを優先し、IDがなければメールアドレスでまとめる。
type candidateSet struct {
	byID    map[string]*candidate
	byEmail map[string]*candidate
	order   []*candidate
}

func newCandidateSet() *candidateSet {
	return &candidateSet{
		byID:    make(map[string]*candidate),
		byEmail: make(map[string]*candidate),
	}
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// lookupOrAdd は既存の候補を探し、なければ追加する。
// IDで見つからずメールで見つかった場合は、その候補にIDを補う。
func (s *candidateSet) lookupOrAdd(id, email string) *candidate {
	ek := emailKey(email)
	if id != "" {
		if c, ok := s.byID[id]; ok {
			if ek != "" && c.tutor.Email == "" {
				c.tutor.Email = email
				s.byEmail[ek] = c
			}
			return c
		}
	}
	if ek != "" {
		if c, ok := s.byEmail[ek]; ok {
			if id != "" && c.tutor.TutorID == "" {
				c.tutor.TutorID = id
				s.byID[id] = c
			}
			return c
		}
	}

	c := &candidate{tutor: model.CandidateTutor{TutorID: id, Email: email}}
	if id != "" {
		s.byID[id] = c
	}
	if ek != "" {
		s.byEmail[ek] = c
	}
	s.order = append(s.order, c)
	return c
}

// collapseEmailOnly はIDを持たない候補を、プロフィール取得で同じメールアドレスが
// 判明したID付きの候補へ統合する。
func (s *candidateSet) collapseEmailOnly() {
	withID := make(map[string]*candidate)
	for _, c := range s.order {
		if c.tutor.TutorID != "" {
			if ek := emailKey(c.tutor.Email); ek != "" {
				withID[ek] = c
			}
		}
	}

	kept := s.order[:0]
	for _, c := range s.order {
		if c.tutor.TutorID == "" {
			if target, ok := withID[emailKey(c.tutor.Email)]; ok {
				target.fromAvail = target.fromAvail || c.fromAvail
				if next := c.tutor.NextAvailableTime; next != nil {
					if target.tutor.NextAvailableTime == nil || next.Before(*target.tutor.NextAvailableTime) {
						target.tutor.NextAvailableTime = next
					}
				}
				continue
			}
		}
		kept = append(kept, c)
	}
	s.order = kept
}

// FindTutorsForSubject は科目名に対応できるチューター候補を返す。
// 科目名は正規化後に大文字小文字を無視した完全一致で比較する。
// 結果は次に空いている時刻の早い順（未定は末尾）、同順位は表示名順に並ぶ。
func (r *Resolver) FindTutorsForSubject(ctx context.Context, subjectName string) ([]model.CandidateTutor, error) {
	name := NormalizeName(subjectName)
	if name == "" {
		return nil, model.NewInvalidArgumentError("科目名を指定してください")
	}
	key := MatchKey(name)
	now := r.nowFunc()

	slots, err := r.availability.FindBySubject(ctx, key, r.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("空き時間の検索に失敗しました: %w", err)
	}
	profiles, err := r.users.FindTutorsBySubject(ctx, key, r.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("チューターの検索に失敗しました: %w", err)
	}

	set := newCandidateSet()

	for _, slot := range slots {
		if slot == nil || !Matches(slot.Subject, name) {
			continue
		}
		id := ""
		if slot.TutorID != nil {
			id = *slot.TutorID
		}
		if id == "" && emailKey(slot.TutorEmail) == "" {
			continue
		}
		c := set.lookupOrAdd(id, slot.TutorEmail)
		c.fromAvail = true
		if !c.profileResolved && len(c.tutor.Subjects) == 0 {
			c.tutor.Subjects = []string{NormalizeName(slot.Subject)}
		}
		if slot.EndTime.After(now) {
			start := slot.StartTime
			if c.tutor.NextAvailableTime == nil || start.Before(*c.tutor.NextAvailableTime) {
				c.tutor.NextAvailableTime = &start
			}
		}
	}

	for _, u := range profiles {
		if u == nil || !profileTeaches(u, name) {
			continue
		}
		c := set.lookupOrAdd(u.ID, u.Email)
		c.fromProfile = true
		applyProfile(c, u)
	}

	if err := r.enrichFromProfiles(ctx, set); err != nil {
		return nil, err
	}
	set.collapseEmailOnly()

	result := make([]model.CandidateTutor, 0, len(set.order))
	for _, c := range set.order {
		t := c.tutor
		switch {
		case c.fromAvail && c.fromProfile:
			t.SourceHeuristic = heuristicBoth
		case c.fromProfile:
			t.SourceHeuristic = heuristicProfile
		default:
			t.SourceHeuristic = heuristicAvailability
		}
		result = append(result, t)
	}
	sortCandidates(result)

	r.logger.Debug("tutor candidates resolved",
		slog.String("subject", name),
		slog.Int("availability_rows", len(slots)),
		slog.Int("profile_rows", len(profiles)),
		slog.Int("candidates", len(result)),
	)
	return result, nil
}

// enrichFromProfiles は空き時間レコードだけで見つかったチューターの表示情報をまとめて取得する。
func (r *Resolver) enrichFromProfiles(ctx context.Context, set *candidateSet) error {
	var ids []string
	for _, c := range set.order {
		if !c.profileResolved && c.tutor.TutorID != "" {
			ids = append(ids, c.tutor.TutorID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	users, err := r.users.FindByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("チューターのプロフィール取得に失敗しました: %w", err)
	}
	for _, u := range users {
		if u == nil {
			continue
		}
		if c, ok := set.byID[u.ID]; ok {
			applyProfile(c, u)
		}
	}
	return nil
}

func applyProfile(c *candidate, u *model.User) {
	c.profileResolved = true
	if c.tutor.TutorID == "" {
		c.tutor.TutorID = u.ID
	}
	if u.Email != "" {
		c.tutor.Email = u.Email
	}
	c.tutor.DisplayName = u.DisplayName
	c.tutor.AvatarURL = u.AvatarURL
	subjects := make([]string, 0, len(u.Subjects))
	for _, s := range u.Subjects {
		if n := NormalizeName(s); n != "" {
			subjects = append(subjects, n)
		}
	}
	c.tutor.Subjects = subjects
}

func profileTeaches(u *model.User, name string) bool {
	for _, s := range u.Subjects {
		if Matches(s, name) {
			return true
		}
	}
	return false
}

func sortCandidates(c []model.CandidateTutor) {
	sort.SliceStable(c, func(i, j int) bool {
		ti, tj := c[i].NextAvailableTime, c[j].NextAvailableTime
		switch {
		case ti != nil && tj == nil:
			return true
		case ti == nil && tj != nil:
			return false
		case ti != nil && tj != nil && !ti.Equal(*tj):
			return ti.Before(*tj)
		}
		if c[i].DisplayName != c[j].DisplayName {
			return c[i].DisplayName < c[j].DisplayName
		}
		return candidateIdentity(c[i]) < candidateIdentity(c[j])
	})
}

func candidateIdentity(t model.CandidateTutor) string {
	if t.TutorID != "" {
		return t.TutorID
	}
	return emailKey(t.Email)
}
