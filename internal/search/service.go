package search

import (
	"strings"

	"github.com/rs/zerolog"
)

// Service tries the search engine first and falls back to matching the candidate
// records in memory.
type Service struct {
	engine Engine
	log    zerolog.Logger
}

// NewService creates a search service. engine may be nil when no engine is configured.
func NewService(engine Engine, log zerolog.Logger) *Service {
	return &Service{engine: engine, log: log}
}

// Search returns the ids of the candidates matching q, in candidate order. Engine hits are
// merged with the local match, so issues the engine has not indexed yet or cut off at its
// hit limit are still found.
func (s *Service) Search(q Query, candidates []IssueRecord) []int {
	if s.engine != nil && s.engine.Healthy() {
		ids, err := s.engine.Search(q)
		if err == nil {
			return keepCandidates(candidates, ids, matchLocal(q, candidates))
		}
		s.log.Warn().Err(err).Msg("search: engine error, falling back to local match")
	}
	return matchLocal(q, candidates)
}

// IndexIssue pushes an issue to the engine (fire-and-forget).
func (s *Service) IndexIssue(record IssueRecord) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	go func() {
		if err := s.engine.IndexIssues([]IssueRecord{record}); err != nil {
			s.log.Warn().Err(err).Int("issue_id", record.ID).Msg("search: index issue")
		}
	}()
}

// Reindex pushes every record synchronously. Used at startup.
func (s *Service) Reindex(records []IssueRecord) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	if err := s.engine.IndexIssues(records); err != nil {
		s.log.Warn().Err(err).Int("count", len(records)).Msg("search: reindex")
	}
}

// keepCandidates returns the candidates found in any of the hit lists, in candidate order.
// Hits for issues that are no longer candidates are dropped.
func keepCandidates(candidates []IssueRecord, hitLists ...[]int) []int {
	hits := make(map[int]struct{})
	for _, ids := range hitLists {
		for _, id := range ids {
			hits[id] = struct{}{}
		}
	}
	out := make([]int, 0, len(hits))
	for _, c := range candidates {
		if _, ok := hits[c.ID]; ok {
			out = append(out, c.ID)
		}
	}
	return out
}

func matchLocal(q Query, candidates []IssueRecord) []int {
	terms := strings.Fields(strings.ToLower(q.Text))
	out := make([]int, 0)
	for _, c := range candidates {
		if q.Status != "" && c.Status != q.Status {
			continue
		}
		if q.Priority != "" && c.Priority != q.Priority {
			continue
		}
		if !containsAll(haystack(c), terms) {
			continue
		}
		out = append(out, c.ID)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

func haystack(c IssueRecord) string {
	return strings.ToLower(c.Title + "\n" + c.Description + "\n" + strings.Join(c.Tags, " "))
}

func containsAll(text string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(text, term) {
			return false
		}
	}
	return true
}
