package index

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// captureDate is the sortable chronological key parsed from a filename.
// Zero fields mean "unknown"; ordering falls back to the filename.
type captureDate struct {
	Year  int
	Month int
	Day   int
}

func (d captureDate) before(other captureDate) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

var monthNames = map[string]int{
	"jan": 1, "january": 1,
	"feb": 2, "february": 2,
	"mar": 3, "march": 3,
	"apr": 4, "april": 4,
	"may": 5,
	"jun": 6, "june": 6,
	"jul": 7, "july": 7,
	"aug": 8, "august": 8,
	"sep": 9, "sept": 9, "september": 9,
	"oct": 10, "october": 10,
	"nov": 11, "november": 11,
	"dec": 12, "december": 12,
}

var monthDisplay = []string{"", "Jan", "Feb", "Mar", "Apr", "May", "Jun",
	"Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

var (
	numericPattern = regexp.MustCompile(`^(\d{4})_(\d{1,2})_(\d{1,2})\.png$`)
	legacyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`([a-z]+)_(\d{4})`),
		regexp.MustCompile(`(\d+)([a-z]+),(\d{4})`),
		regexp.MustCompile(`(\d+)([a-z]+)(\d{4})`),
		regexp.MustCompile(`([a-z]+)(\d+)_(\d{4})`),
	}
	yearPattern = regexp.MustCompile(`20\d{2}`)
)

// parseCaptureDate extracts a capture date from a dataset filename. It
// understands the enhanced dataset format (2024_10_03.png) and the legacy
// month-name conventions (Oct_2024, 3oct,2024, oct3_2024). Parsing never
// consults the filesystem, so two builds over an unchanged dataset order
// images identically.
func parseCaptureDate(filename string) captureDate {
	lower := strings.ToLower(filename)

	if m := numericPattern.FindStringSubmatch(lower); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		return captureDate{Year: year, Month: month, Day: day}
	}

	for _, pattern := range legacyPatterns {
		m := pattern.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		groups := m[1:]
		switch len(groups) {
		case 2:
			if month, ok := monthNames[groups[0]]; ok {
				year, _ := strconv.Atoi(groups[1])
				return captureDate{Year: year, Month: month, Day: 1}
			}
		case 3:
			if groups[0][0] >= '0' && groups[0][0] <= '9' {
				day, _ := strconv.Atoi(groups[0])
				if month, ok := monthNames[groups[1]]; ok {
					year, _ := strconv.Atoi(groups[2])
					return captureDate{Year: year, Month: month, Day: day}
				}
			} else if month, ok := monthNames[groups[0]]; ok {
				day, _ := strconv.Atoi(groups[1])
				year, _ := strconv.Atoi(groups[2])
				return captureDate{Year: year, Month: month, Day: day}
			}
		}
	}

	if m := yearPattern.FindString(lower); m != "" {
		year, _ := strconv.Atoi(m)
		return captureDate{Year: year}
	}

	return captureDate{}
}

// displayLabel renders a capture date the way annotators see it, e.g.
// "Oct 3, 2024", "Oct 2024" or "2024".
func displayLabel(filename string) string {
	d := parseCaptureDate(filename)
	switch {
	case d.Month > 0 && d.Day > 1:
		return fmt.Sprintf("%s %d, %d", monthDisplay[d.Month], d.Day, d.Year)
	case d.Month > 0:
		return fmt.Sprintf("%s %d", monthDisplay[d.Month], d.Year)
	case d.Year > 0:
		return strconv.Itoa(d.Year)
	default:
		return filename
	}
}
