package subject

import (
	"sort"
	"strings"

	"github.com/hitoshi/tutormatch/internal/model"
)

// CandidateSource は科目一覧の候補を出す情報源の1つを表すタグ付きの値。
// Kindに応じてCatalogまたはNamesのどちらか一方だけが使われる。
type CandidateSource struct {
	Kind    model.SubjectSource
	Catalog []*model.Subject
	Names   []string
}

// CatalogSource はカタログ由来の候補を作る。
func CatalogSource(subjects []*model.Subject) CandidateSource {
	return CandidateSource{Kind: model.SubjectSourceCatalog, Catalog: subjects}
}

// AvailabilitySource は空き時間レコードの科目名から候補を作る。
func AvailabilitySource(names []string) CandidateSource {
	return CandidateSource{Kind: model.SubjectSourceAvailability, Names: names}
}

// ProfileSource はチューターのプロフィール科目から候補を作る。
func ProfileSource(names []string) CandidateSource {
	return CandidateSource{Kind: model.SubjectSourceProfile, Names: names}
}

// Entries は情報源ごとの変換を適用した科目エントリを返す。副作用はない。
// スラッグが空になる値（空白のみ、記号のみ）は除外する。
func (s CandidateSource) Entries() []model.SubjectEntry {
	switch s.Kind {
	case model.SubjectSourceCatalog:
		return catalogEntries(s.Catalog)
	case model.SubjectSourceAvailability, model.SubjectSourceProfile:
		return freeTextEntries(s.Kind, s.Names)
	default:
		return nil
	}
}

// catalogEntries はカタログの行をそのまま使う。スラッグ未設定の行は名前から生成する。
func catalogEntries(subjects []*model.Subject) []model.SubjectEntry {
	entries := make([]model.SubjectEntry, 0, len(subjects))
	for _, s := range subjects {
		if s == nil {
			continue
		}
		name := NormalizeName(s.Name)
		slug := Slugify(s.Slug)
		if slug == "" {
			slug = Slugify(name)
		}
		if slug == "" || name == "" {
			continue
		}
		entries = append(entries, model.SubjectEntry{
			ID:     s.ID,
			Name:   name,
			Slug:   slug,
			Source: model.SubjectSourceCatalog,
		})
	}
	return entries
}

// freeTextEntries は自由記述の科目名から候補を作る。IDは情報源とスラッグから合成する。
func freeTextEntries(kind model.SubjectSource, names []string) []model.SubjectEntry {
	entries := make([]model.SubjectEntry, 0, len(names))
	for _, raw := range names {
		name := NormalizeName(raw)
		slug := Slugify(name)
		if slug == "" {
			continue
		}
		entries = append(entries, model.SubjectEntry{
			ID:     string(kind) + ":" + slug,
			Name:   name,
			Slug:   slug,
			Source: kind,
		})
	}
	return entries
}

// Merge は情報源を渡された順に走査し、スラッグ単位で重複を除く。
// 同じスラッグは最初に現れたものが残る。結果は名前（大文字小文字無視）順、同名はスラッグ順。
func Merge(sources ...CandidateSource) []model.SubjectEntry {
	bySlug := make(map[string]model.SubjectEntry)
	for _, src := range sources {
		for _, e := range src.Entries() {
			if _, exists := bySlug[e.Slug]; exists {
				continue
			}
			bySlug[e.Slug] = e
		}
	}

	merged := make([]model.SubjectEntry, 0, len(bySlug))
	for _, e := range bySlug {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool {
		ni, nj := strings.ToLower(merged[i].Name), strings.ToLower(merged[j].Name)
		if ni != nj {
			return ni < nj
		}
		return merged[i].Slug < merged[j].Slug
	})
	return merged
}
