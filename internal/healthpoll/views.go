// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package healthpoll

import (
	"time"

	"github.com/dustin/go-humanize"
)

const (
	labelAllFresh     = "All data fresh"
	labelStaleUnknown = "Some data is stale"
)

// ComputeViews derives the consumer views from one successful poll.
func ComputeViews(r Report, inc IncidentList, now time.Time) Views {
	return Views{
		HasStaleData:       r.StaleCount > 0,
		HasCriticalIssues:  r.OverallStatus == StatusCritical || r.CriticalCount > 0 || inc.HasCritical,
		MostSevereIncident: MostSevere(inc.Incidents),
		FreshnessLabel:     FreshnessLabel(r, now),
	}
}

// MostSevere picks the highest ranked incident; the earliest one wins ties.
func MostSevere(incidents []Incident) *Incident {
	best := -1
	for i := range incidents {
		if best < 0 || incidents[i].Severity.Rank() > incidents[best].Severity.Rank() {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	inc := incidents[best]
	return &inc
}

// FreshnessLabel renders how old the stalest data is.
func FreshnessLabel(r Report, now time.Time) string {
	if r.StaleCount <= 0 {
		return labelAllFresh
	}
	if r.OldestSyncMinutes == nil || *r.OldestSyncMinutes < 0 {
		return labelStaleUnknown
	}
	if *r.OldestSyncMinutes == 0 {
		return "Oldest sync less than a minute ago"
	}
	synced := now.Add(-time.Duration(*r.OldestSyncMinutes) * time.Minute)
	return "Oldest sync " + humanize.RelTime(synced, now, "ago", "from now")
}
