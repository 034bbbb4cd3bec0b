package recalc

import "fmt"

// reportingRanges mirror the time windows of the net-worth time series
// the UI renders.
var reportingRanges = []string{"7d", "30d", "90d", "1y", "all"}

// AggregateCacheKeys lists every read-side aggregate key that goes stale
// when one of the user's accounts is recalculated. All keys are scoped to
// the owning user; other users' aggregates are never touched.
func AggregateCacheKeys(userID int64) []string {
	keys := make([]string, 0, len(reportingRanges)+1)
	keys = append(keys, SummaryCacheKey(userID))
	for _, rng := range reportingRanges {
		keys = append(keys, SeriesCacheKey(userID, rng))
	}
	return keys
}

// SummaryCacheKey is the user's global net-worth summary.
func SummaryCacheKey(userID int64) string {
	return fmt.Sprintf("networth:summary:%d", userID)
}

// SeriesCacheKey is one cached net-worth time series for a reporting range.
func SeriesCacheKey(userID int64, rng string) string {
	return fmt.Sprintf("networth:series:%d:%s", userID, rng)
}
