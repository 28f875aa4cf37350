package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexAnalysis indexes an analysis (fire-and-forget to Meilisearch).
func (s *Service) IndexAnalysis(a AnalysisRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexAnalysis(a); err != nil {
			log.Printf("search: index analysis %s: %v", a.ID, err)
		}
	}()
}

// IndexRubric indexes a rubric (fire-and-forget to Meilisearch).
func (s *Service) IndexRubric(r RubricRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexRubric(r); err != nil {
			log.Printf("search: index rubric %s: %v", r.ID, err)
		}
	}()
}

// IndexRepository indexes a repository (fire-and-forget to Meilisearch).
func (s *Service) IndexRepository(r RepositoryRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexRepository(r); err != nil {
			log.Printf("search: index repository %s: %v", r.ID, err)
		}
	}()
}

// DeleteAnalysis removes an analysis from the search index (fire-and-forget).
func (s *Service) DeleteAnalysis(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteAnalysis(id); err != nil {
			log.Printf("search: delete analysis %s: %v", id, err)
		}
	}()
}

// DeleteRubric removes a rubric from the search index (fire-and-forget).
func (s *Service) DeleteRubric(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteRubric(id); err != nil {
			log.Printf("search: delete rubric %s: %v", id, err)
		}
	}()
}

// DeleteRepository removes a repository from the search index (fire-and-forget).
func (s *Service) DeleteRepository(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteRepository(id); err != nil {
			log.Printf("search: delete repository %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch. Runs at startup; a missing or unhealthy backend makes it a
// no-op.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	analyses, rubrics, repositories, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexAnalyses(analyses); err != nil {
		log.Printf("search: reindex analyses: %v", err)
	}
	if err := s.meili.IndexRubrics(rubrics); err != nil {
		log.Printf("search: reindex rubrics: %v", err)
	}
	if err := s.meili.IndexRepositories(repositories); err != nil {
		log.Printf("search: reindex repositories: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
