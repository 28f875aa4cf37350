package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxAnalyses     = "critique_analyses"
	idxRubrics      = "critique_rubrics"
	idxRepositories = "critique_repositories"
)

// Meili implements search and indexing via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is tolerated: the health loop flips the instance
// healthy once it comes up.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxAnalyses,
			primaryKey: "id",
			filterable: []string{"status", "repositoryId", "rubricId"},
			searchable: []string{"summary", "ref"},
		},
		{
			uid:        idxRubrics,
			primaryKey: "id",
			filterable: []string{"ownerId"},
			searchable: []string{"name", "description"},
		},
		{
			uid:        idxRepositories,
			primaryKey: "id",
			filterable: []string{"status"},
			searchable: []string{"name", "url"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries all three indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxAnalyses, ResultAnalysis},
		{idxRubrics, ResultRubric},
		{idxRepositories, ResultRepository},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		})
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxAnalyses:
		return ResultAnalysis
	case idxRubrics:
		return ResultRubric
	case idxRepositories:
		return ResultRepository
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.Status = decodeString(hit, "status")

	switch rtyp {
	case ResultAnalysis:
		r.Title = firstNonBlank(decodeFormattedString(hit, "ref"), decodeString(hit, "ref"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "summary"), decodeString(hit, "summary"))
	case ResultRubric:
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
	case ResultRepository:
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "url"), decodeString(hit, "url"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexAnalysis adds or updates an analysis in the search index.
func (m *Meili) IndexAnalysis(a AnalysisRecord) error {
	_, err := m.client.Index(idxAnalyses).AddDocuments([]AnalysisRecord{a}, nil)
	return err
}

// IndexRubric adds or updates a rubric in the search index.
func (m *Meili) IndexRubric(r RubricRecord) error {
	_, err := m.client.Index(idxRubrics).AddDocuments([]RubricRecord{r}, nil)
	return err
}

// IndexRepository adds or updates a repository in the search index.
func (m *Meili) IndexRepository(r RepositoryRecord) error {
	_, err := m.client.Index(idxRepositories).AddDocuments([]RepositoryRecord{r}, nil)
	return err
}

// DeleteAnalysis removes an analysis from the search index.
func (m *Meili) DeleteAnalysis(id string) error {
	_, err := m.client.Index(idxAnalyses).DeleteDocument(id, nil)
	return err
}

// DeleteRubric removes a rubric from the search index.
func (m *Meili) DeleteRubric(id string) error {
	_, err := m.client.Index(idxRubrics).DeleteDocument(id, nil)
	return err
}

// DeleteRepository removes a repository from the search index.
func (m *Meili) DeleteRepository(id string) error {
	_, err := m.client.Index(idxRepositories).DeleteDocument(id, nil)
	return err
}

// IndexAnalyses bulk-indexes analyses.
func (m *Meili) IndexAnalyses(analyses []AnalysisRecord) error {
	if len(analyses) == 0 {
		return nil
	}
	_, err := m.client.Index(idxAnalyses).AddDocuments(analyses, nil)
	return err
}

// IndexRubrics bulk-indexes rubrics.
func (m *Meili) IndexRubrics(rubrics []RubricRecord) error {
	if len(rubrics) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRubrics).AddDocuments(rubrics, nil)
	return err
}

// IndexRepositories bulk-indexes repositories.
func (m *Meili) IndexRepositories(repositories []RepositoryRecord) error {
	if len(repositories) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRepositories).AddDocuments(repositories, nil)
	return err
}
