package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surelaces/posync/internal/store/schema"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 3, 14, 15, 0, 0, 0, time.Local)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.Local)},
		{"2024-03-01 09:30", time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)},
		{"48h", now.Add(-48 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSince(tt.in, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v, want %v", got, tt.want)
		})
	}

	t.Run("natural language", func(t *testing.T) {
		got, err := parseSince("yesterday", now)
		require.NoError(t, err)
		assert.Equal(t, 13, got.Day())
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseSince("bananas", now)
		assert.Error(t, err)
	})
}

func TestCartSubtotal(t *testing.T) {
	lines := []schema.CartLine{
		{Quantity: 2, Product: &schema.Product{Price: "10.00"}},
		{Quantity: 3, Product: &schema.Product{Price: "5.00"}},
		{Quantity: 1},
	}
	assert.Equal(t, "35.00", cartSubtotal(lines))
	assert.Equal(t, "0.00", cartSubtotal(nil))
}
