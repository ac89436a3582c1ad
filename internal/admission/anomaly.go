package admission

import (
	"fmt"
	"time"

	"github.com/subportal/backend/internal/geoip"
	"github.com/subportal/backend/internal/repository"
)

// Detector flags geographically implausible logins. The rule is narrow on
// purpose: only a country change faster than the travel window counts. An IP
// change inside the same country is normal network roaming, and an Unknown
// country on either side never compares as different, so geolocation outages
// cannot produce false positives.
type Detector struct {
	window time.Duration
}

// NewDetector creates a Detector with the given impossible-travel window
func NewDetector(window time.Duration) *Detector {
	return &Detector{window: window}
}

// Window returns the configured impossible-travel window
func (d *Detector) Window() time.Duration {
	return d.window
}

// Evaluate decides whether a candidate login is suspicious given the
// account's most recent successful login. prev may be nil (first login ever),
// which is never suspicious. Returns the flag and a human-readable reason.
func (d *Detector) Evaluate(prev *repository.LoginAttempt, candidateCountry string, now time.Time) (bool, string) {
	if prev == nil {
		return false, ""
	}
	if candidateCountry == "" || candidateCountry == geoip.UnknownValue {
		return false, ""
	}
	if prev.Country == "" || prev.Country == geoip.UnknownValue {
		return false, ""
	}
	if prev.Country == candidateCountry {
		return false, ""
	}

	elapsed := now.Sub(prev.CreatedAt)
	if elapsed >= d.window {
		return false, ""
	}

	reason := fmt.Sprintf(
		"impossible travel: country changed from %s to %s %s after last successful login",
		prev.Country, candidateCountry, elapsed.Round(time.Second),
	)
	return true, reason
}
