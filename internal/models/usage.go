package models

import "time"

// DateLayout keys the spend ledger by calendar day.
const DateLayout = "2006-01-02"

// DailyUsage is one day of the spend ledger.
type DailyUsage struct {
	Date       string  `json:"date"`
	TextCount  int64   `json:"text_count"`
	ImageCount int64   `json:"image_count"`
	CacheHits  int64   `json:"cache_hits"`
	TotalCost  float64 `json:"total_cost"`
	SavedCost  float64 `json:"saved_cost"`
}

func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}
