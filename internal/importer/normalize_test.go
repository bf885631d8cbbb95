package importer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseDateFormats(t *testing.T) {
	cases := []struct {
		in          string
		defaultYear int
		want        time.Time
	}{
		{"2025-03-09", 0, day(2025, time.March, 9)},
		{"3/9/2025", 0, day(2025, time.March, 9)},
		{"3/9/25", 0, day(2025, time.March, 9)},
		{"3/9/99", 0, day(1999, time.March, 9)}, // pivot: >50 means 1900s
		{"12/31", 2024, day(2024, time.December, 31)},
	}
	for _, tc := range cases {
		got, err := parseDate(tc.in, tc.defaultYear)
		require.NoError(t, err, tc.in)
		require.NotNil(t, got, tc.in)
		assert.Equal(t, tc.want, *got, tc.in)
	}
}

func TestParseDateNullAndInvalid(t *testing.T) {
	got, err := parseDate("N/A", 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseDate("13/45/2025", 0)
	assert.Error(t, err)

	// MM/DD without a default year cannot be resolved.
	_, err = parseDate("3/9", 0)
	assert.Error(t, err)
}

func TestParseCurrency(t *testing.T) {
	v, err := parseCurrency("$1,250.50")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 1250.50, *v)

	v, err = parseCurrency("($300)")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, -300.0, *v)

	for _, null := range []string{"", "-", "n/a", "NA", "#DIV/0!", "#REF!", "null"} {
		v, err := parseCurrency(null)
		require.NoError(t, err, null)
		assert.Nil(t, v, null)
	}

	_, err = parseCurrency("twelve")
	assert.Error(t, err)
}

func TestParsePercent(t *testing.T) {
	v, err := parsePercent("42.5%")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 42.5, *v)
}

func TestSplitAmbassadors(t *testing.T) {
	assert.Equal(t, []string{"Jane Doe", "Bob Lee"}, splitAmbassadors("Jane Doe; Bob Lee"))
	assert.Equal(t, []string{"Jane Doe", "Bob Lee"}, splitAmbassadors("Jane Doe, Bob Lee"))
	assert.Equal(t, []string{"Jane Doe", "Bob Lee"}, splitAmbassadors("Jane Doe|Bob Lee"))
	assert.Equal(t, []string{"Jane Doe"}, splitAmbassadors(" Jane Doe "))
	assert.Nil(t, splitAmbassadors("N/A"))

	// Semicolon wins over the commas inside "Last, First" pairs.
	assert.Equal(t, []string{"Doe, Jane", "Lee, Bob"}, splitAmbassadors("Doe, Jane; Lee, Bob"))
}
