package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestItem struct {
	Name  string `yaml:"name"`
	Value int    `yaml:"value"`
}

func TestUnmarshalYAML_Robustness(t *testing.T) {
	yamlData := `
- name: item1
  value: 10
- name: item2
  value: "invalid_int"
- name: item3
  value: 30
`

	items, err := UnmarshalYAML[TestItem]([]byte(yamlData), nil)

	assert.NoError(t, err)
	require.Len(t, items, 2, "Should return 2 valid items")
	assert.Equal(t, "item1", items[0].Name)
	assert.Equal(t, 30, items[1].Value)
}

func TestUnmarshalYAML_AllInvalid(t *testing.T) {
	items, err := UnmarshalYAML[TestItem]([]byte("- name: item1\n  value: \"invalid\"\n"), nil)

	assert.Error(t, err)
	assert.Nil(t, items)
}

func TestUnmarshalYAML_MalformedStructure(t *testing.T) {
	items, err := UnmarshalYAML[TestItem]([]byte("this is not a list\n"), nil)

	assert.Error(t, err)
	assert.Nil(t, items)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T10:00:00Z", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01T12:00:00+02:00", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01T10:00:00", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	_, err := ParseTime("yesterday")
	assert.Error(t, err)
}

func TestGetSemaphoreLimit(t *testing.T) {
	t.Setenv("SEMAPHORE_LIMIT", "")
	assert.Equal(t, DefaultSemaphoreLimit, GetSemaphoreLimit())
	t.Setenv("SEMAPHORE_LIMIT", "3")
	assert.Equal(t, 3, GetSemaphoreLimit())
	t.Setenv("SEMAPHORE_LIMIT", "zero")
	assert.Equal(t, DefaultSemaphoreLimit, GetSemaphoreLimit())
}
