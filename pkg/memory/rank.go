package memory

import (
	"slices"
	"strings"
	"unicode"

	"github.com/aretw0/espalier/pkg/domain"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"on": {}, "for": {}, "with": {}, "is": {}, "it": {}, "this": {}, "that": {},
	"be": {}, "by": {}, "as": {}, "at": {}, "from": {}, "into": {}, "write": {},
	"make": {}, "create": {}, "function": {}, "task": {}, "result": {},
}

// Terms tokenizes text into lower-case, de-duplicated terms without stop words.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// RecordTerms returns the index terms of a record, computing them when absent.
func RecordTerms(r domain.MemoryRecord) []string {
	if len(r.Terms) > 0 {
		return r.Terms
	}
	return Terms(r.Key + " " + r.Content)
}

// Rank orders records by lexical overlap with query, most relevant first.
// Records sharing no term with the query are dropped. Ties go to the newer record.
func Rank(records []domain.MemoryRecord, query string, limit int) []domain.MemoryRecord {
	want := Terms(query)
	if len(want) == 0 || limit == 0 {
		return nil
	}

	type scored struct {
		rec   domain.MemoryRecord
		score int
	}
	var hits []scored
	for _, r := range records {
		score := 0
		for _, t := range RecordTerms(r) {
			if _, ok := slices.BinarySearch(want, t); ok {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{r, score})
		}
	}

	slices.SortStableFunc(hits, func(a, b scored) int {
		if a.score != b.score {
			return b.score - a.score
		}
		if c := b.rec.CreatedAt.Compare(a.rec.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.rec.ID, b.rec.ID)
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]domain.MemoryRecord, len(hits))
	for i, h := range hits {
		out[i] = h.rec
	}
	return out
}
