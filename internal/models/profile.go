package models

import "time"

// Profile is one scraped personality-typing entry.
type Profile struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	MBTI        string    `json:"mbti,omitempty"`
	Socionics   string    `json:"socionics,omitempty"`
	Enneagram   string    `json:"enneagram,omitempty"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	VoteCount   int       `json:"vote_count,omitempty"`
	ScrapedAt   time.Time `json:"scraped_at"`

	// Error is set on the degraded-record path: bulk scrapes record the
	// failure instead of aborting the whole batch.
	Error string `json:"error,omitempty"`
}

// ListingStub is a lightweight entry discovered on a search or category page,
// scraped in full later.
type ListingStub struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}
