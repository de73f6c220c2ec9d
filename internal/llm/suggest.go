package llm

import (
	"sort"

	"github.com/antzucaro/matchr"
)

// maxModelSuggestions caps how many alternatives an unknown-model
// error carries.
const maxModelSuggestions = 3

// ClosestModels returns up to max names ranked by Levenshtein distance
// to input, closest first, ties broken alphabetically.
func ClosestModels(input string, names []string, max int) []string {
	if max <= 0 || len(names) == 0 {
		return nil
	}

	type scored struct {
		name string
		dist int
	}
	ranked := make([]scored, 0, len(names))
	for _, name := range names {
		ranked = append(ranked, scored{name: name, dist: matchr.Levenshtein(input, name)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].dist != ranked[j].dist {
			return ranked[i].dist < ranked[j].dist
		}
		return ranked[i].name < ranked[j].name
	})

	if max > len(ranked) {
		max = len(ranked)
	}
	out := make([]string, 0, max)
	for _, s := range ranked[:max] {
		out = append(out, s.name)
	}
	return out
}
