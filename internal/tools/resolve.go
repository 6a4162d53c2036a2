package tools

import (
	"fmt"
	"strings"

	"repcoach/server/internal/fitness"
)

// workoutAliases maps common conversational names to workout title prefixes.
var workoutAliases = map[string]string{
	"squats":    "squat",
	"deadlifts": "deadlift",
	"bench":     "bench press",
	"legs":      "lower",
	"leg day":   "lower",
	"upper":     "upper",
	"push":      "push",
	"pull":      "pull",
}

// ResolveWorkout finds the workout a conversational reference points at.
// Resolution order: exact id, alias table, case-insensitive title
// substring. A miss or an ambiguous match returns a failure string for the
// model instead of an entity.
func ResolveWorkout(tc *Context, ref string) (fitness.Entity, string) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		if last := tc.LastWorkoutID(); last != "" {
			if entity, ok := tc.Store.EffectiveView(fitness.KindWorkout, last); ok {
				return entity, ""
			}
		}
		return fitness.Entity{}, "Error: no workout reference given and none created this turn."
	}

	// An exact id only resolves within the acting user's own entities; an
	// id pointing at someone else's workout falls through to the title
	// search, which is already owner-scoped.
	if entity, ok := tc.Store.EffectiveView(fitness.KindWorkout, ref); ok && entity.UserID == tc.UserID {
		return entity, ""
	}

	needle := strings.ToLower(ref)
	if alias, ok := workoutAliases[needle]; ok {
		needle = alias
	}

	var matches []fitness.Entity
	for _, entity := range tc.Store.ListEffective(fitness.KindWorkout, tc.UserID) {
		title := strings.ToLower(entity.StringField("title"))
		if title == needle {
			return entity, ""
		}
		if strings.Contains(title, needle) {
			matches = append(matches, entity)
		}
	}
	switch len(matches) {
	case 0:
		return fitness.Entity{}, fmt.Sprintf("Error: no workout matching %q.", ref)
	case 1:
		return matches[0], ""
	}
	titles := make([]string, 0, len(matches))
	for _, m := range matches {
		titles = append(titles, fmt.Sprintf("%s (%s)", m.StringField("title"), m.ID))
	}
	return fitness.Entity{}, fmt.Sprintf(
		"Error: %q is ambiguous, candidates: %s.", ref, strings.Join(titles, ", "))
}
