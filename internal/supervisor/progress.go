package supervisor

import (
	"regexp"
	"strconv"
)

// Progress counters for one scrape process. Current is monotonically
// non-decreasing; Total is only ever raised.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// ProgressDelta is the effect a single log line has on the counters.
type ProgressDelta struct {
	AddCurrent int
	SetCurrent int
	HasCurrent bool // SetCurrent is valid
	Total      int
	HasTotal   bool // Total is valid (raise-only)
}

// Progress extraction is best-effort telemetry from unstructured scraper
// output. Lines matching none of the patterns are no-ops.
var (
	upsertedRe  = regexp.MustCompile(`(\d+) new, (\d+) updated`)
	totalRowsRe = regexp.MustCompile(`Upserted total rows: (\d+)`)
	foundRe     = regexp.MustCompile(`Found (\d+) profiles`)
)

// ParseProgress inspects one log line and returns the counter delta it
// implies, if any. Malformed numbers are treated as no match.
func ParseProgress(line string) (ProgressDelta, bool) {
	if m := totalRowsRe.FindStringSubmatch(line); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return ProgressDelta{SetCurrent: n, HasCurrent: true, Total: n, HasTotal: true}, true
		}
	}

	if m := upsertedRe.FindStringSubmatch(line); m != nil {
		added, err1 := strconv.Atoi(m[1])
		updated, err2 := strconv.Atoi(m[2])
		if err1 == nil && err2 == nil {
			return ProgressDelta{AddCurrent: added + updated}, true
		}
	}

	if m := foundRe.FindStringSubmatch(line); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return ProgressDelta{Total: n, HasTotal: true}, true
		}
	}

	return ProgressDelta{}, false
}

// apply folds a delta into the counters. An authoritative "total rows" line
// assigns Current outright; Total is raise-only.
func (p *Progress) apply(d ProgressDelta) {
	if d.HasCurrent {
		p.Current = d.SetCurrent
	} else if d.AddCurrent > 0 {
		p.Current += d.AddCurrent
	}

	if d.HasTotal && d.Total > p.Total {
		p.Total = d.Total
	}
}
