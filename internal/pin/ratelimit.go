package pin

import "time"

const (
	MaxFailuresPerHour = 5
	MaxAttemptsPerDay  = 10

	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// Attempt is one recorded PIN entry.
type Attempt struct {
	At      time.Time
	Success bool
}

// RateLimit is the outcome of CheckRateLimit. NextAllowedAt is zero when
// Allowed is true.
type RateLimit struct {
	Allowed       bool
	NextAllowedAt time.Time
	Remaining     int
}

// CheckRateLimit denies further attempts once the trailing hour holds
// MaxFailuresPerHour failures or the trailing day holds MaxAttemptsPerDay
// attempts. The lockout ends one window after the oldest attempt counted.
func CheckRateLimit(attempts []Attempt, now time.Time) RateLimit {
	var (
		failedHour, totalDay        int
		oldestFailedHour, oldestDay time.Time
	)
	for _, a := range attempts {
		age := now.Sub(a.At)
		if age < 0 || age >= dayWindow {
			continue
		}
		totalDay++
		if oldestDay.IsZero() || a.At.Before(oldestDay) {
			oldestDay = a.At
		}
		if !a.Success && age < hourWindow {
			failedHour++
			if oldestFailedHour.IsZero() || a.At.Before(oldestFailedHour) {
				oldestFailedHour = a.At
			}
		}
	}

	res := RateLimit{Allowed: true}
	if failedHour >= MaxFailuresPerHour {
		res.Allowed = false
		res.NextAllowedAt = oldestFailedHour.Add(hourWindow)
	}
	if totalDay >= MaxAttemptsPerDay {
		res.Allowed = false
		if next := oldestDay.Add(dayWindow); next.After(res.NextAllowedAt) {
			res.NextAllowedAt = next
		}
	}
	if res.Allowed {
		res.Remaining = min(MaxFailuresPerHour-failedHour, MaxAttemptsPerDay-totalDay)
	}
	return res
}
