package store

import (
	"path/filepath"
	"sort"
	"time"

	"claudebroker/internal/core"
)

// DailyStats is one rolled-up row per calendar date.
type DailyStats struct {
	Date               string         `json:"date"`
	TotalRequests      int            `json:"total_requests"`
	SuccessfulRequests int            `json:"successful_requests"`
	FailedRequests     int            `json:"failed_requests"`
	InputTokens        int64          `json:"input_tokens"`
	OutputTokens       int64          `json:"output_tokens"`
	CostUSD            float64        `json:"cost_usd"`
	Models             map[string]int `json:"models,omitempty"`
}

// ModelStats aggregates per-model usage.
type ModelStats struct {
	Count   int     `json:"count"`
	CostUSD float64 `json:"cost_usd"`
}

type statsDoc struct {
	Daily    []DailyStats `json:"daily"`
	Requests struct {
		Total      int `json:"total"`
		Successful int `json:"successful"`
		Failed     int `json:"failed"`
	} `json:"requests"`
	Tokens struct {
		TotalInput  int64 `json:"total_input"`
		TotalOutput int64 `json:"total_output"`
	} `json:"tokens"`
	Costs struct {
		TotalUSD float64 `json:"total_usd"`
	} `json:"costs"`
	Models map[string]ModelStats `json:"models"`
}

// StatsStore accumulates request-level counters and daily rollups in
// statistics.json. It is a sink: callers feed it one event per
// authoritative request outcome.
type StatsStore struct {
	doc *Document[statsDoc]
}

// OpenStats opens the statistics store under stateDir.
func OpenStats(stateDir string) *StatsStore {
	path := filepath.Join(stateDir, "statistics.json")
	return &StatsStore{doc: NewDocument(path, func() *statsDoc {
		return &statsDoc{Daily: []DailyStats{}, Models: map[string]ModelStats{}}
	})}
}

// RecordRequest folds the event into the aggregate counters and the
// current day's rollup.
func (s *StatsStore) RecordRequest(ev core.RequestEvent) error {
	date := time.Now().UTC().Format("2006-01-02")
	return s.doc.Update(func(d *statsDoc) error {
		d.Requests.Total++
		if ev.Success {
			d.Requests.Successful++
		} else {
			d.Requests.Failed++
		}
		d.Tokens.TotalInput += int64(ev.InputTokens)
		d.Tokens.TotalOutput += int64(ev.OutputTokens)
		d.Costs.TotalUSD += ev.CostUSD
		if ev.Model != "" {
			if d.Models == nil {
				d.Models = map[string]ModelStats{}
			}
			m := d.Models[ev.Model]
			m.Count++
			m.CostUSD += ev.CostUSD
			d.Models[ev.Model] = m
		}

		day := findDay(d, date)
		if day == nil {
			d.Daily = append(d.Daily, DailyStats{Date: date})
			day = &d.Daily[len(d.Daily)-1]
		}
		day.TotalRequests++
		if ev.Success {
			day.SuccessfulRequests++
		} else {
			day.FailedRequests++
		}
		day.InputTokens += int64(ev.InputTokens)
		day.OutputTokens += int64(ev.OutputTokens)
		day.CostUSD += ev.CostUSD
		if ev.Model != "" {
			if day.Models == nil {
				day.Models = map[string]int{}
			}
			day.Models[ev.Model]++
		}
		return nil
	})
}

// Aggregate is the process-wide statistics view.
type Aggregate struct {
	Requests struct {
		Total      int `json:"total"`
		Successful int `json:"successful"`
		Failed     int `json:"failed"`
	} `json:"requests"`
	Tokens struct {
		TotalInput  int64 `json:"total_input"`
		TotalOutput int64 `json:"total_output"`
	} `json:"tokens"`
	Costs struct {
		TotalUSD float64 `json:"total_usd"`
	} `json:"costs"`
	Models map[string]ModelStats `json:"models"`
}

// Totals returns the aggregate counters.
func (s *StatsStore) Totals() (Aggregate, error) {
	var agg Aggregate
	err := s.doc.View(func(d *statsDoc) error {
		agg.Requests = d.Requests
		agg.Tokens = d.Tokens
		agg.Costs = d.Costs
		agg.Models = make(map[string]ModelStats, len(d.Models))
		for k, v := range d.Models {
			agg.Models[k] = v
		}
		return nil
	})
	return agg, err
}

// Daily returns rollup rows, newest first, bounded by limit when > 0.
func (s *StatsStore) Daily(limit int) ([]DailyStats, error) {
	var out []DailyStats
	err := s.doc.View(func(d *statsDoc) error {
		out = append(out, d.Daily...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune drops daily rows older than the retention window.
func (s *StatsStore) Prune(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")
	dropped := 0
	err := s.doc.Update(func(d *statsDoc) error {
		kept := d.Daily[:0]
		for _, day := range d.Daily {
			if day.Date < cutoff {
				dropped++
				continue
			}
			kept = append(kept, day)
		}
		d.Daily = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return dropped, nil
}

func findDay(d *statsDoc, date string) *DailyStats {
	for i := range d.Daily {
		if d.Daily[i].Date == date {
			return &d.Daily[i]
		}
	}
	return nil
}
