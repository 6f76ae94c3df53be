/*
seeds.go - Catalog seeds for demos and local development

PURPOSE:
  Populates the catalog with sample titles so the lending flows can be
  exercised without a catalog system attached.

AVAILABLE SEEDS:
  sample-catalog:  A general shelf, 3 to 6 copies per title
  scarce-copies:   Single-copy titles for contention and low-stock demos

HOW SEEDS WORK:
  Loading is idempotent: titles that already exist are left untouched, so
  copies on loan are never reset. Pass "reset": true to clear the
  database first.

USAGE VIA API:
  POST /api/admin/seeds/load
  {"seed_id": "sample-catalog"}
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/lending-engine/lending"
)

type seedTitle struct {
	id     string
	name   string
	copies int
}

type seed struct {
	SeedDTO
	titles []seedTitle
}

var seeds = []seed{
	{
		SeedDTO: SeedDTO{
			ID:          "sample-catalog",
			Name:        "Sample Catalog",
			Description: "General shelf across science, software and languages",
		},
		titles: []seedTitle{
			{"978-0000000201", "Physics: Principles and Problems", 4},
			{"978-0000000202", "Chemistry Essentials", 3},
			{"978-0000000203", "Biology Today", 5},
			{"978-0000000204", "Astronomy Basics", 3},
			{"978-0000000301", "Learning Python", 6},
			{"978-0000000302", "Clean Architecture", 4},
			{"978-0000000303", "The Pragmatic Programmer", 5},
			{"978-0000000306", "Design Patterns", 3},
			{"978-0000000307", "Introduction to Algorithms", 6},
			{"978-0000000501", "English Grammar in Use", 5},
			{"978-0000000503", "Oxford Dictionary", 3},
			{"978-0000000507", "English Vocabulary Builder", 4},
		},
	},
	{
		SeedDTO: SeedDTO{
			ID:          "scarce-copies",
			Name:        "Scarce Copies",
			Description: "One copy per title; the first loan of each triggers a low-stock alert",
		},
		titles: []seedTitle{
			{"rare-001", "Islamic Jurisprudence", 1},
			{"rare-002", "Modern Bangla Poetry", 1},
			{"rare-003", "Scientific Method and Research", 1},
		},
	},
}

func findSeed(id string) (seed, bool) {
	for _, s := range seeds {
		if s.ID == id {
			return s, true
		}
	}
	return seed{}, false
}

// ListSeeds returns the available seeds.
func (h *Handler) ListSeeds(w http.ResponseWriter, r *http.Request) {
	dtos := make([]SeedDTO, len(seeds))
	for i, s := range seeds {
		dtos[i] = s.SeedDTO
		dtos[i].Titles = len(s.titles)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadSeed adds the seed's missing titles.
func (h *Handler) LoadSeed(w http.ResponseWriter, r *http.Request) {
	var req LoadSeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := findSeed(req.SeedID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown seed", nil)
		return
	}

	ctx := r.Context()
	if req.Reset {
		if err := h.Store.Reset(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
			return
		}
	}

	added, err := h.loadSeed(ctx, s)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load seed: %v", err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "loaded",
		"seed":    s.ID,
		"added":   added,
		"skipped": len(s.titles) - added,
	})
}

func (h *Handler) loadSeed(ctx context.Context, s seed) (int, error) {
	store := h.Service.Store()
	added := 0
	for _, st := range s.titles {
		_, err := store.GetTitle(ctx, lending.TitleID(st.id))
		if err == nil {
			continue
		}
		if !lending.IsNotFound(err) {
			return added, err
		}

		t, err := lending.NewTitle(lending.TitleID(st.id), st.name, st.copies, st.copies)
		if err != nil {
			return added, err
		}
		if err := store.SaveTitle(ctx, t); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
