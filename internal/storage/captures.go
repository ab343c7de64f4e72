package storage

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"antitheft-alarm/internal/models"
)

const (
	captureLayout = "2006-01-02_15-04-05"
	dateLayout    = "02/01/2006"
)

// Object 存储中的一个对象
type Object struct {
	Name string
	URL  string
}

// CaptureLister 列出某个前缀下的对象
type CaptureLister interface {
	List(ctx context.Context, prefix string) ([]Object, error)
}

// ParseCaptureName 解析 <prefix>_YYYY-MM-DD_HH-MM-SS.<ext> 形式的文件名
// 文件名中的时间不带时区，按原样解析为 UTC
func ParseCaptureName(name string) (time.Time, bool) {
	base := path.Base(name)
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return time.Time{}, false
	}
	t, err := time.Parse(captureLayout, parts[len(parts)-2]+"_"+parts[len(parts)-1])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// GroupCapturesByDate 按 DD/MM/YYYY 分组；日期倒序，同一天内按时间正序
// 无法解析的文件名被跳过
func GroupCapturesByDate(objects []Object) []models.CaptureGroup {
	var captures []models.Capture
	for _, obj := range objects {
		t, ok := ParseCaptureName(obj.Name)
		if !ok {
			continue
		}
		captures = append(captures, models.Capture{
			Name:       path.Base(obj.Name),
			URL:        obj.URL,
			CapturedAt: t,
		})
	}

	sort.SliceStable(captures, func(i, j int) bool {
		di, dj := truncateDay(captures[i].CapturedAt), truncateDay(captures[j].CapturedAt)
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return captures[i].CapturedAt.Before(captures[j].CapturedAt)
	})

	var groups []models.CaptureGroup
	for _, c := range captures {
		date := c.CapturedAt.Format(dateLayout)
		if n := len(groups); n > 0 && groups[n-1].Date == date {
			groups[n-1].Captures = append(groups[n-1].Captures, c)
			continue
		}
		groups = append(groups, models.CaptureGroup{Date: date, Captures: []models.Capture{c}})
	}
	return groups
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
