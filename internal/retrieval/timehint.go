package retrieval

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Chen-speculation/narrarc/internal/store"
)

const dayMS = int64(24 * time.Hour / time.Millisecond)

var (
	reISODate      = regexp.MustCompile(`(\d{4})-(\d{2})(?:-(\d{2}))?`)
	reEarly        = regexp.MustCompile(`刚认识|最初|一开始|刚开始|早期|初期|(?i:beginning|earliest|early on|early days|first met)`)
	reRecentMonths = regexp.MustCompile(`最近\s*(\d+)\s*个?月|(?i:last\s+(\d+)\s+months?)`)
	reRecent       = regexp.MustCompile(`最近|近期|(?i:recently|lately)`)
	reQuarter      = regexp.MustCompile(`(上*)个?季度|(?i:(last|this)\s+quarter)`)
	reYear         = regexp.MustCompile(`(20\d{2})\s*年?`)
	reYearMonth    = regexp.MustCompile(`(20\d{2})\s*年\s*(\d{1,2})\s*月`)
	reMonth        = regexp.MustCompile(`(今年|去年|前年)?\s*(\d{1,2})\s*月`)
)

// ResolveTimeHint turns a free-form time phrase into a concrete window inside
// the talker's message span. Relative phrases ("last quarter", 最近3个月) are
// anchored at the end of the span, not the wall clock, so the resolution does
// not drift as the corpus ages. An unparseable hint resolves to the full
// span.
func ResolveTimeHint(hint string, spanStart, spanEnd int64) store.TimeWindow {
	full := store.TimeWindow{Start: spanStart, End: spanEnd}
	if hint == "" || spanEnd <= spanStart {
		return full
	}

	// Explicit dates win over every phrase pattern. One date selects a day
	// or a month; two select a range.
	if dates := reISODate.FindAllStringSubmatch(hint, 2); len(dates) > 0 {
		start, end := isoWindow(dates[0])
		if len(dates) == 2 {
			_, end = isoWindow(dates[1])
		}
		return store.TimeWindow{Start: start, End: end}
	}

	if reEarly.MatchString(hint) {
		span := spanEnd - spanStart
		return store.TimeWindow{Start: spanStart, End: spanStart + span*15/100}
	}

	if m := reRecentMonths.FindStringSubmatch(hint); m != nil {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		n, err := strconv.Atoi(raw)
		if err == nil && n > 0 {
			return store.TimeWindow{Start: spanEnd - int64(n)*30*dayMS, End: spanEnd}
		}
	}

	if m := reQuarter.FindStringSubmatch(hint); m != nil {
		// 季度 counts one 上 per quarter back; "last quarter" is one back.
		offset := len([]rune(m[1]))
		if strings.EqualFold(m[2], "last") {
			offset = 1
		}
		end := spanEnd - int64(offset)*90*dayMS
		return store.TimeWindow{Start: end - 90*dayMS, End: end}
	}

	if m := reYearMonth.FindStringSubmatch(hint); m != nil {
		year, errY := strconv.Atoi(m[1])
		month, errM := strconv.Atoi(m[2])
		if errY == nil && errM == nil && month >= 1 && month <= 12 {
			start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
			return store.TimeWindow{Start: start.UnixMilli(), End: start.AddDate(0, 1, 0).UnixMilli()}
		}
	}

	if m := reMonth.FindStringSubmatch(hint); m != nil {
		month, err := strconv.Atoi(m[2])
		if err == nil && month >= 1 && month <= 12 {
			year := time.UnixMilli(spanEnd).UTC().Year()
			switch m[1] {
			case "去年":
				year--
			case "前年":
				year -= 2
			}
			start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
			return store.TimeWindow{Start: start.UnixMilli(), End: start.AddDate(0, 1, 0).UnixMilli()}
		}
	}

	if m := reYear.FindStringSubmatch(hint); m != nil {
		year, err := strconv.Atoi(m[1])
		if err == nil {
			start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
			return store.TimeWindow{Start: start.UnixMilli(), End: start.AddDate(1, 0, 0).UnixMilli()}
		}
	}

	if reRecent.MatchString(hint) {
		return store.TimeWindow{Start: spanEnd - 30*dayMS, End: spanEnd}
	}

	return full
}

// isoWindow expands one matched ISO date into a window: a full day when the
// day part is present, a full month otherwise.
func isoWindow(m []string) (start, end int64) {
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		month = 1
	}
	if m[3] != "" {
		day, _ := strconv.Atoi(m[3])
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		return t.UnixMilli(), t.AddDate(0, 0, 1).UnixMilli()
	}
	t := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return t.UnixMilli(), t.AddDate(0, 1, 0).UnixMilli()
}
