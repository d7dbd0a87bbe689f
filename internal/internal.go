package internal

import (
	"math"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// Tombstone replaces list elements that have been removed but not yet compacted away
	Tombstone = "__jobq_tombstone__"
)

// CalculateBackoff calculates the duration to back off before the next retry
// this formula is unabashedly taken from Sidekiq because it is good.
func CalculateBackoff(retryCount int) time.Duration {
	p := int(math.Round(math.Pow(float64(retryCount), 4)))
	return time.Duration(p+15+RandInt(30)*retryCount+1) * time.Second
}

// RandInt returns a random integer up to max
func RandInt(max int) int {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return r.Intn(max)
}

// StripNonAlphanum strips nonalphanumeric characters from a string and returns a new one
func StripNonAlphanum(s string) string {
	var result strings.Builder
	for i := 0; i < len(s); i++ {
		b := s[i]
		if (b == '_') ||
			('a' <= b && b <= 'z') ||
			('A' <= b && b <= 'Z') ||
			('0' <= b && b <= '9') {
			result.WriteByte(b)
		}
	}
	return result.String()
}

// Pauser holds a backend's paused flag
type Pauser struct {
	paused atomic.Bool
}

// Pause stops Process from selecting jobs
func (p *Pauser) Pause() { p.paused.Store(true) }

// Resume lets Process select jobs again
func (p *Pauser) Resume() { p.paused.Store(false) }

// IsPaused reports whether the backend is paused
func (p *Pauser) IsPaused() bool { return p.paused.Load() }
