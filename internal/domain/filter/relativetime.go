package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lightdash/metricqueryd/internal/apierror"
)

func buildRelativeTimeSQL(expr, operator string, values []any, settings *Settings) (string, error) {
	var unitOfTime *string
	if settings != nil {
		unitOfTime = settings.UnitOfTime
	}
	unit, err := normalizeUnit(unitOfTime)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()

	switch operator {
	case "inThePast":
		count, err := normalizeCount(values)
		if err != nil {
			return "", err
		}
		start := shiftTime(now, -count, unit)
		return rangeSQL(expr, start, now, unit), nil
	case "inTheNext":
		count, err := normalizeCount(values)
		if err != nil {
			return "", err
		}
		end := shiftTime(now, count, unit)
		return rangeSQL(expr, now, end, unit), nil
	default:
		start, end := currentPeriodRange(now, unit)
		if operator == "inTheCurrent" {
			return rangeSQL(expr, start, end, unit), nil
		}
		return fmt.Sprintf("(%s < %s OR %s > %s)", expr, formatTime(start, unit), expr, formatTime(end, unit)), nil
	}
}

func rangeSQL(expr string, start, end time.Time, unit string) string {
	return fmt.Sprintf("(%s >= %s AND %s <= %s)", expr, formatTime(start, unit), expr, formatTime(end, unit))
}

func normalizeUnit(unit *string) (string, error) {
	if unit == nil || *unit == "" {
		return "day", nil
	}
	value := strings.ToLower(*unit)
	value = strings.TrimSuffix(value, "s")
	if !timeGrains[value] {
		return "", apierror.Newf(apierror.CodeValidationError, "unsupported unitOfTime: %s", *unit)
	}
	return value, nil
}

func normalizeCount(values []any) (int, error) {
	if len(values) == 0 {
		return 0, missingValuesError("relativeTime")
	}
	count, ok := toInt(values[0])
	if !ok {
		return 0, apierror.New(apierror.CodeValidationError, "relativeTime values must be an integer")
	}
	if count <= 0 {
		return 0, apierror.New(apierror.CodeValidationError, "relativeTime values must be greater than 0")
	}
	return count, nil
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float32:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// currentPeriodRange returns the [start, end] bounds of the current period
// containing now, at the given grain. Sub-second grains (nanosecond,
// microsecond, millisecond) have no meaningful "current period" narrower
// than a second and degrade to a zero-width range at now.
func currentPeriodRange(now time.Time, unit string) (time.Time, time.Time) {
	switch unit {
	case "day":
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 0, 1).Add(-time.Second)
		return start, end
	case "week":
		start := startOfWeek(now)
		end := start.AddDate(0, 0, 7).Add(-time.Second)
		return start, end
	case "month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := addMonths(start, 1).Add(-time.Second)
		return start, end
	case "quarter":
		quarter := (int(now.Month()) - 1) / 3
		startMonth := time.Month(quarter*3 + 1)
		start := time.Date(now.Year(), startMonth, 1, 0, 0, 0, 0, time.UTC)
		end := addMonths(start, 3).Add(-time.Second)
		return start, end
	case "year":
		start := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(now.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC).Add(-time.Second)
		return start, end
	case "hour":
		start := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
		end := start.Add(time.Hour).Add(-time.Second)
		return start, end
	case "minute":
		start := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, time.UTC)
		end := start.Add(time.Minute).Add(-time.Second)
		return start, end
	case "second":
		start := now.Truncate(time.Second)
		return start, start
	default:
		return now, now
	}
}

func shiftTime(now time.Time, count int, unit string) time.Time {
	switch unit {
	case "second":
		return now.Add(time.Duration(count) * time.Second)
	case "minute":
		return now.Add(time.Duration(count) * time.Minute)
	case "hour":
		return now.Add(time.Duration(count) * time.Hour)
	case "day":
		return now.AddDate(0, 0, count)
	case "week":
		return now.AddDate(0, 0, count*7)
	case "month":
		return addMonths(now, count)
	case "quarter":
		return addMonths(now, count*3)
	case "year":
		return addMonths(now, count*12)
	default:
		return now
	}
}

// addMonths shifts dt by months, clamping the day-of-month to the target
// month's length (e.g. Jan 31 + 1 month -> Feb 28/29, not Mar 3).
func addMonths(dt time.Time, months int) time.Time {
	monthIndex := int(dt.Month()) - 1 + months
	year := dt.Year() + monthIndex/12
	month := monthIndex % 12
	if month < 0 {
		month += 12
		year--
	}
	targetMonth := time.Month(month + 1)
	day := dt.Day()
	lastDay := daysInMonth(year, targetMonth)
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, targetMonth, day, dt.Hour(), dt.Minute(), dt.Second(), dt.Nanosecond(), time.UTC)
}

func daysInMonth(year int, month time.Month) int {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	lastOfMonth := firstOfNext.AddDate(0, 0, -1)
	return lastOfMonth.Day()
}

// startOfWeek returns midnight UTC of the Monday on or before dt.
func startOfWeek(dt time.Time) time.Time {
	weekday := int(dt.Weekday()) // Sunday=0 .. Saturday=6
	mondayIndex := (weekday + 6) % 7
	start := time.Date(dt.Year(), dt.Month(), dt.Day(), 0, 0, 0, 0, time.UTC)
	return start.AddDate(0, 0, -mondayIndex)
}

func formatTime(dt time.Time, unit string) string {
	switch unit {
	case "hour", "minute", "second", "nanosecond", "microsecond", "millisecond":
		return formatValue(dt)
	default:
		return formatValue(dateOnly(dt))
	}
}
