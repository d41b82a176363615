package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxPatients = "clinica_patients"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the patient index.
// The store stays usable when the initial connection fails; the health
// loop reconfigures once Meilisearch comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	// Initial health check
	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxPatients,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxPatients, err)
	}

	index := m.client.Index(idxPatients)
	filterable := []interface{}{"sex"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxPatients, err)
	}
	searchable := []string{"firstName", "lastName", "cui", "phone"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxPatients, err)
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
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
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

// Search queries the patient index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	sr := &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"*"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.Sex != "" {
		sr.Filter = fmt.Sprintf("sex = %q", q.Sex)
	}

	resp, err := m.client.Index(idxPatients).Search(q.Text, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	var r Result
	id, _ := strconv.ParseInt(decodeString(hit, "id"), 10, 64)
	r.PatientID = id
	r.CUI = decodeString(hit, "cui")
	r.BirthDate = decodeString(hit, "birthDate")

	first := decodeString(hit, "firstName")
	last := decodeString(hit, "lastName")
	r.FullName = strings.TrimSpace(first + " " + last)

	r.Snippet = firstNonBlank(
		decodeFormattedString(hit, "lastName"),
		decodeFormattedString(hit, "firstName"),
		decodeFormattedString(hit, "cui"),
	)
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

// IndexPatient adds or updates a patient in the search index.
func (m *Meili) IndexPatient(p PatientRecord) error {
	_, err := m.client.Index(idxPatients).AddDocuments([]PatientRecord{p}, nil)
	return err
}

// DeletePatient removes a patient from the search index.
func (m *Meili) DeletePatient(id string) error {
	_, err := m.client.Index(idxPatients).DeleteDocument(id, nil)
	return err
}

// IndexPatients bulk-indexes patients.
func (m *Meili) IndexPatients(patients []PatientRecord) error {
	if len(patients) == 0 {
		return nil
	}
	_, err := m.client.Index(idxPatients).AddDocuments(patients, nil)
	return err
}
