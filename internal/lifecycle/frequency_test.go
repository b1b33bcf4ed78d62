package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrequency(t *testing.T) {
	tests := []struct {
		rule string
		due  []time.Weekday
	}{
		{"daily", []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}},
		{"", []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}},
		{"weekdays", []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}},
		{"Weekends", []time.Weekday{time.Sunday, time.Saturday}},
		{"mon, wed,fri", []time.Weekday{time.Monday, time.Wednesday, time.Friday}},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			f, err := ParseFrequency(tt.rule)
			require.NoError(t, err)
			var got []time.Weekday
			for d := time.Sunday; d <= time.Saturday; d++ {
				if f.Due(d) {
					got = append(got, d)
				}
			}
			assert.Equal(t, tt.due, got)
		})
	}
}

func TestParseFrequencyRejectsUnknownDays(t *testing.T) {
	_, err := ParseFrequency("mon,funday")
	assert.ErrorContains(t, err, "funday")
}

func TestFrequencyString(t *testing.T) {
	f, err := ParseFrequency("fri,mon")
	require.NoError(t, err)
	assert.Equal(t, "mon,fri", f.String())
}
