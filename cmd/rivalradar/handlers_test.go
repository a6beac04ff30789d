package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/rivalradar/internal/store"
	"github.com/elonfeng/rivalradar/pkg/presence"
)

func TestReadAlertFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
alerts:
  - name: Acme watch
    competitors:
      - canonical_name: Acme
        aliases: [AcmeSoft]
        domains: [acme.io]
    platforms: [reddit, twitter]
    frequency: hourly
    fuzzy_matching: true
  - name: Paused
    competitors:
      - canonical_name: Globex
    platforms: [linkedin]
    is_active: false
`), 0o600))

	got, err := readAlertFile(path)
	require.NoError(t, err)

	want := []store.Alert{
		{
			Name: "Acme watch",
			Competitors: []presence.Competitor{
				{CanonicalName: "Acme", Aliases: []string{"AcmeSoft"}, Domains: []string{"acme.io"}},
			},
			Platforms:        []string{"reddit", "twitter"},
			Frequency:        store.FrequencyHourly,
			MaxResults:       store.DefaultMaxResults,
			DedupeWindowDays: store.DefaultDedupeWindowDays,
			FuzzyMatching:    true,
			IsActive:         true,
		},
		{
			Name:             "Paused",
			Competitors:      []presence.Competitor{{CanonicalName: "Globex"}},
			Platforms:        []string{"linkedin"},
			Frequency:        store.FrequencyDaily,
			MaxResults:       store.DefaultMaxResults,
			DedupeWindowDays: store.DefaultDedupeWindowDays,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("readAlertFile() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadAlertFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
alerts:
  - name: ""
    platforms: [reddit]
`), 0o600))

	_, err := readAlertFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "competitor")
}

func TestRootCommandTree(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"run"}, {"serve"}, {"trigger"}, {"alerts", "list"}, {"alerts", "import"},
		{"runs"}, {"quota"}, {"migrate", "up"}, {"migrate", "down"}, {"migrate", "status"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
