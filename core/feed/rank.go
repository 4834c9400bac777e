package feed

import (
	"sort"
	"time"

	"github.com/relabs-tech/blogger/core/post"
)

// Views is one publication of the aggregator. All slices are shared between readers
// and must not be modified.
type Views struct {
	// Generation increases with every publication
	Generation uint64
	SessionID  string
	// Base is the unordered join of the latest snapshot with its media
	Base []post.Display
	// All is Base ordered by post time, newest first
	All []post.Display
	// Recent is the head of All
	Recent []post.Display
	// Popular is Base ordered by hits, then post time, truncated
	Popular []post.Display
	// Weekly counts the posts of the seven days ending with the day of publication
	Weekly []DayCount
}

// WeekDays is the number of days in the weekly view
const WeekDays = 7

// DayCount is the number of posts of one calendar day
type DayCount struct {
	// Day is the date in the form 2006-01-02
	Day string `json:"day"`
	// Weekday is the short name of the day, like "Mon"
	Weekday string `json:"weekday"`
	Count   int    `json:"count"`
}

// SortByRecency returns a copy of base ordered by post time descending. Posts with equal
// post time keep their order in base.
func SortByRecency(base []post.Display) []post.Display {
	all := make([]post.Display, len(base))
	copy(all, base)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].PostTime > all[j].PostTime
	})
	return all
}

// RecentOf returns the first n posts of all
func RecentOf(all []post.Display, n int) []post.Display {
	if n < 0 {
		n = 0
	}
	if n > len(all) {
		n = len(all)
	}
	return all[:n:n]
}

// PopularOf returns the k posts of base with the most hits. Ties are broken by post time
// descending, then by the order in base.
func PopularOf(base []post.Display, k int) []post.Display {
	popular := make([]post.Display, len(base))
	copy(popular, base)
	sort.SliceStable(popular, func(i, j int) bool {
		if popular[i].Hits != popular[j].Hits {
			return popular[i].Hits > popular[j].Hits
		}
		return popular[i].PostTime > popular[j].PostTime
	})
	return RecentOf(popular, k)
}

// WeeklyOf counts the posts of base per day for the WeekDays days ending with the day of
// now, oldest day first. Days start at midnight in the location of now. Posts outside of
// these days are not counted.
func WeeklyOf(base []post.Display, now time.Time) []DayCount {
	y, m, d := now.Date()
	starts := make([]int64, WeekDays+1)
	weekly := make([]DayCount, WeekDays)
	for i := range starts {
		start := time.Date(y, m, d-WeekDays+1+i, 0, 0, 0, 0, now.Location())
		starts[i] = start.UnixMilli()
		if i < WeekDays {
			weekly[i] = DayCount{Day: start.Format(time.DateOnly), Weekday: start.Weekday().String()[:3]}
		}
	}
	for _, p := range base {
		if p.PostTime < starts[0] || p.PostTime >= starts[WeekDays] {
			continue
		}
		i := sort.Search(WeekDays, func(i int) bool { return starts[i+1] > p.PostTime })
		weekly[i].Count++
	}
	return weekly
}

// derive computes all views of one publication from the base output
func derive(generation uint64, sessionID string, base []post.Display, recentLimit, popularLimit int, now time.Time) *Views {
	all := SortByRecency(base)
	return &Views{
		Generation: generation,
		SessionID:  sessionID,
		Base:       base,
		All:        all,
		Recent:     RecentOf(all, recentLimit),
		Popular:    PopularOf(base, popularLimit),
		Weekly:     WeeklyOf(base, now),
	}
}
