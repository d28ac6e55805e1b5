package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_CutoffAndOpen(t *testing.T) {
	s := DefaultSession()
	ny := s.Location()

	// Monday 2026-03-02
	before := time.Date(2026, 3, 2, 15, 54, 59, 0, ny)
	at := time.Date(2026, 3, 2, 15, 55, 0, 0, ny)
	after := time.Date(2026, 3, 2, 15, 58, 0, 0, ny)

	assert.False(t, s.PastCutoff(before))
	assert.True(t, s.PastCutoff(at))
	assert.True(t, s.PastCutoff(after))
	// same instant expressed in UTC
	assert.True(t, s.PastCutoff(at.UTC()))

	open := s.MarketOpen(time.Date(2026, 3, 2, 11, 0, 0, 0, ny).UTC())
	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, ny), open)
}

func TestSession_Phase(t *testing.T) {
	s := DefaultSession()
	ny := s.Location()

	tests := []struct {
		at   time.Time
		want SessionType
	}{
		{time.Date(2026, 3, 2, 8, 0, 0, 0, ny), SessionPremarket},
		{time.Date(2026, 3, 2, 9, 30, 0, 0, ny), SessionRegular},
		{time.Date(2026, 3, 2, 16, 30, 0, 0, ny), SessionPostmarket},
		{time.Date(2026, 3, 2, 22, 0, 0, 0, ny), SessionClosed},
		{time.Date(2026, 3, 7, 11, 0, 0, 0, ny), SessionClosed}, // Saturday
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Phase(tt.at), tt.at.String())
	}
}

func TestNewSession_Invalid(t *testing.T) {
	_, err := NewSession("Mars/Olympus", "09:30", "15:55", "16:00")
	assert.Error(t, err)

	_, err = NewSession("America/New_York", "9h30", "15:55", "16:00")
	assert.Error(t, err)

	_, err = NewSession("America/New_York", "09:30", "16:30", "16:00")
	assert.Error(t, err)

	s, err := NewSession("America/Chicago", "08:30", "14:55", "15:00")
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", s.Location().String())
}
