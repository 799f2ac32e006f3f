package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanehull/bsescraper/internal/types"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "24/02/2025", want: time.Date(2025, 2, 24, 0, 0, 0, 0, time.UTC)},
		{in: " 01/12/2024 ", want: time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)},
		{in: "2025-02-24", wantErr: true},
		{in: "1/2/2025", wantErr: true},
		{in: "31/02/2025", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("0")
	require.NoError(t, err)
	assert.Equal(t, types.AllCategories, c)

	c, err = ParseCategory("7")
	require.NoError(t, err)
	assert.Equal(t, "Result", c)

	c, err = ParseCategory("board meeting")
	require.NoError(t, err)
	assert.Equal(t, "Board Meeting", c)

	_, err = ParseCategory("10")
	assert.Error(t, err)
	_, err = ParseCategory("Dividends")
	assert.Error(t, err)
}

func TestPromptDate_Reasks(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("tomorrow\n30/02/2025\n03/03/2025\n"), &out)

	got, err := p.PromptDate("Enter FROM date")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), got)
	assert.Equal(t, 2, strings.Count(out.String(), "Invalid date format"))
}

func TestPromptDate_LastLineWithoutNewline(t *testing.T) {
	p := NewPrompter(strings.NewReader("05/01/2025"), &bytes.Buffer{})

	got, err := p.PromptDate("Enter TO date")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Day())
}

func TestPromptDate_EOF(t *testing.T) {
	p := NewPrompter(strings.NewReader("bad\n"), &bytes.Buffer{})

	_, err := p.PromptDate("Enter FROM date")
	assert.True(t, errors.Is(err, ErrNoInput))
}

func TestPromptRange(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("10/02/2025\n01/02/2025\n12/02/2025\n"), &out)

	from, to, err := p.PromptRange()
	require.NoError(t, err)
	assert.Equal(t, 10, from.Day())
	assert.Equal(t, 12, to.Day())
	assert.Contains(t, out.String(), "must not be before")
}

func TestPromptCategory(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("abc\n12\n2\n"), &out)

	c, err := p.PromptCategory()
	require.NoError(t, err)
	assert.Equal(t, "Board Meeting", c)

	s := out.String()
	assert.Contains(t, s, "9. Others")
	assert.Contains(t, s, "Please enter a valid number.")
	assert.Contains(t, s, "between 0 and 9")
}

func TestPromptCategory_All(t *testing.T) {
	c, err := NewPrompter(strings.NewReader("0\n"), &bytes.Buffer{}).PromptCategory()
	require.NoError(t, err)
	assert.Equal(t, types.AllCategories, c)
}
