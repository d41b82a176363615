package search

import (
	"context"
	"log"
	"strconv"
)

// Service is the facade that tries Meilisearch first and falls back to
// the Postgres roster scan.
type Service struct {
	meili  *Meili
	roster *PgRoster
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, roster *PgRoster) *Service {
	return &Service{meili: meili, roster: roster}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to roster scan: %v", err)
	}

	results, total, err := s.roster.Search(q)
	if err != nil {
		log.Printf("search: roster error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPatient indexes a patient (fire-and-forget to Meilisearch).
func (s *Service) IndexPatient(p PatientRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexPatient(p); err != nil {
			log.Printf("search: index patient %s: %v", p.ID, err)
		}
	}()
}

// DeletePatient removes a patient from the search index (fire-and-forget).
func (s *Service) DeletePatient(id int64) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeletePatient(strconv.FormatInt(id, 10)); err != nil {
			log.Printf("search: delete patient %d: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes the whole roster from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.roster == nil {
		return
	}
	patients, err := s.roster.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(patients) == 0 {
		return
	}
	if err := s.meili.IndexPatients(patients); err != nil {
		log.Printf("search: reindex patients: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
