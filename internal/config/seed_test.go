package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/pairflow/internal/store"
)

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backlog.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestLoadSeeds_Valid(t *testing.T) {
	path := writeSeed(t, `{
		"cards": [
			{"id": "auth-1", "title": "login flow", "priority": 2, "status": "Ready"},
			{"id": "auth-2", "title": "session expiry", "depends_on": ["auth-1"]}
		]
	}`)
	cards, err := LoadSeeds(path)
	if err != nil {
		t.Fatalf("load seeds: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("cards = %d, want 2", len(cards))
	}
	if cards[0].Status != store.CardReady || cards[0].Priority != 2 {
		t.Fatalf("first card = %+v", cards[0])
	}
	if cards[1].Status != store.CardBacklog {
		t.Fatalf("status default = %s, want Backlog", cards[1].Status)
	}
	if len(cards[1].DependsOn) != 1 || cards[1].DependsOn[0] != "auth-1" {
		t.Fatalf("depends_on = %v", cards[1].DependsOn)
	}
}

func TestLoadSeeds_SchemaRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing title", `{"cards": [{"id": "a"}]}`},
		{"bad status", `{"cards": [{"id": "a", "title": "t", "status": "Done"}]}`},
		{"empty cards", `{"cards": []}`},
		{"unknown field", `{"cards": [{"id": "a", "title": "t", "owner": "me"}]}`},
		{"not json", `cards: [a]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadSeeds(writeSeed(t, tc.body)); err == nil {
				t.Fatalf("seed accepted, want rejection")
			}
		})
	}
}

func TestLoadSeeds_MissingFile(t *testing.T) {
	_, err := LoadSeeds(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil || !strings.Contains(err.Error(), "read seed file") {
		t.Fatalf("err = %v, want read failure", err)
	}
}
