package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGreylistEntry_Ripe(t *testing.T) {
	backoff := 2 * time.Minute
	now := time.Now().UTC()

	tests := []struct {
		name  string
		entry GreylistEntry
		want  bool
	}{
		{"backoff elapsed", GreylistEntry{LastTriedAt: now.Add(-3 * time.Minute)}, true},
		{"exactly at the boundary", GreylistEntry{LastTriedAt: now.Add(-backoff)}, true},
		{"still inside backoff", GreylistEntry{LastTriedAt: now.Add(-time.Minute)}, false},
		{"already returned", GreylistEntry{LastTriedAt: now.Add(-3 * time.Minute), Returned: true}, false},
		{"budget spent", GreylistEntry{LastTriedAt: now.Add(-3 * time.Minute), MaxRetriesReached: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.Ripe(backoff, now))
		})
	}
}
