package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sho7650/media-offline/internal/cache"
)

func TestParseFetchArgs(t *testing.T) {
	t.Run("Classifies each pair", func(t *testing.T) {
		requests, err := parseFetchArgs([]string{
			"master=https://cdn.example.com/master.m3u8",
			"seg0=https://cdn.example.com/seg0.ts",
			"cover=https://cdn.example.com/cover.jpg?size=large",
		})
		require.NoError(t, err)
		assert.Equal(t, []fetchRequest{
			{key: "master", url: "https://cdn.example.com/master.m3u8", typ: cache.EntryTypeHLS},
			{key: "seg0", url: "https://cdn.example.com/seg0.ts", typ: cache.EntryTypeHLS},
			{key: "cover", url: "https://cdn.example.com/cover.jpg?size=large", typ: cache.EntryTypeRaw},
		}, requests)
	})

	tests := []struct {
		name  string
		pairs []string
	}{
		{name: "No arguments", pairs: nil},
		{name: "Missing separator", pairs: []string{"seg0"}},
		{name: "Empty key", pairs: []string{"=https://cdn.example.com/a.ts"}},
		{name: "Empty URL", pairs: []string{"seg0="}},
		{name: "Malformed pair after valid ones", pairs: []string{
			"seg0=https://cdn.example.com/seg0.ts",
			"seg1=https://cdn.example.com/seg1.ts",
			"broken",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requests, err := parseFetchArgs(tt.pairs)
			assert.Error(t, err)
			assert.Nil(t, requests, "No request is returned when any pair is invalid")
		})
	}
}
