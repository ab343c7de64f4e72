package httpapi

import (
	"sort"
	"time"

	"antitheft-alarm/internal/models"
)

const dateLayout = "02/01/2006"

// GroupHistoryByDate 按 loc 时区的日期（DD/MM/YYYY）分组；日期倒序，同一天内按时间正序
func GroupHistoryByDate(entries []models.HistoryEntry, loc *time.Location) []models.HistoryGroup {
	sorted := make([]models.HistoryEntry, len(entries))
	copy(sorted, entries)

	day := func(t time.Time) time.Time {
		y, m, d := t.In(loc).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := day(sorted[i].DetectedAt), day(sorted[j].DetectedAt)
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return sorted[i].DetectedAt.Before(sorted[j].DetectedAt)
	})

	groups := []models.HistoryGroup{}
	for _, e := range sorted {
		date := e.DetectedAt.In(loc).Format(dateLayout)
		if n := len(groups); n > 0 && groups[n-1].Date == date {
			groups[n-1].Entries = append(groups[n-1].Entries, e)
			continue
		}
		groups = append(groups, models.HistoryGroup{Date: date, Entries: []models.HistoryEntry{e}})
	}
	return groups
}
