package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"repcoach/server/internal/diff"
	"repcoach/server/internal/fitness"
	"repcoach/server/internal/llm"
)

const (
	minBodyweightKg = 25
	maxBodyweightKg = 400
	maxSetWeightKg  = 600
	maxSetReps      = 100
	maxSuggestions  = 4
)

// DefaultRegistry wires up the full tool set.
func DefaultRegistry() *Registry {
	return NewRegistry(
		ShowSchedule{},
		UpdateProfile{},
		CreateWorkout{},
		UpdateWorkout{},
		LogSet{},
		CompleteWorkout{},
		CancelWorkout{},
		SetTargets{},
		SendMessage{},
		SuggestReplies{},
	)
}

func functionTool(name, description, parameters string) llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        name,
			Description: description,
			Parameters:  json.RawMessage(parameters),
		},
	}
}

func parseDate(value string) (string, string) {
	if _, err := time.Parse("2006-01-02", value); err != nil {
		return "", fmt.Sprintf("Error: %q is not a date in YYYY-MM-DD form.", value)
	}
	return value, ""
}

// newEntityDelta pairs a skeleton snapshot with a field delta so creation
// goes through the normal write path and reaches the remote store via the
// outbox.
func newEntityDelta(tc *Context, kind fitness.Kind, entityID string, fields map[string]any, state *string) (fitness.Entity, fitness.Delta) {
	skeleton := fitness.Entity{
		Kind:   kind,
		ID:     entityID,
		UserID: tc.UserID,
		Fields: map[string]any{},
	}
	delta := fitness.Delta{
		ID:              tc.NewID(),
		Kind:            kind,
		EntityID:        entityID,
		UserID:          tc.UserID,
		Fields:          fields,
		CompletionState: state,
		Timestamp:       tc.Clock().UTC(),
	}
	return skeleton, delta
}

func createEntity(ctx context.Context, tc *Context, kind fitness.Kind, entityID string, fields map[string]any, state *string) error {
	skeleton, delta := newEntityDelta(tc, kind, entityID, fields, state)
	if err := tc.Store.PutSnapshot(skeleton); err != nil {
		return err
	}
	return tc.Store.Apply(ctx, delta)
}

func strPtr(s string) *string { return &s }

// ShowSchedule lists the user's upcoming workouts from the effective view.
type ShowSchedule struct{}

func (ShowSchedule) Name() string { return "show_schedule" }

func (ShowSchedule) Definition() llm.Tool {
	return functionTool("show_schedule",
		"List the user's scheduled workouts with dates and status.",
		`{"type":"object","properties":{"include_finished":{"type":"boolean","description":"Include completed and cancelled workouts."}}}`)
}

func (ShowSchedule) Execute(_ context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		IncludeFinished bool `json:"include_finished"`
	}
	if msg := decodeArgs(args, &in); msg != "" {
		return msg, nil
	}

	workouts := tc.Store.ListEffective(fitness.KindWorkout, tc.UserID)
	var visible []fitness.Entity
	for _, w := range workouts {
		if !in.IncludeFinished && (w.CompletionState == fitness.StateCompleted || w.CompletionState == fitness.StateCancelled) {
			continue
		}
		visible = append(visible, w)
	}
	if len(visible) == 0 {
		return "No scheduled workouts.", nil
	}
	sort.Slice(visible, func(i, j int) bool {
		a := visible[i].StringField("scheduled_for")
		b := visible[j].StringField("scheduled_for")
		if a != b {
			return a < b
		}
		return visible[i].ID < visible[j].ID
	})

	var b strings.Builder
	b.WriteString("Scheduled workouts:\n")
	for _, w := range visible {
		state := w.CompletionState
		if state == "" {
			state = fitness.StatePlanned
		}
		fmt.Fprintf(&b, "- %s on %s [%s] (id %s)\n",
			w.StringField("title"), w.StringField("scheduled_for"), state, w.ID)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// UpdateProfile patches the user's profile fields.
type UpdateProfile struct{}

func (UpdateProfile) Name() string { return "update_profile" }

func (UpdateProfile) Definition() llm.Tool {
	return functionTool("update_profile",
		"Update the user's training profile: bodyweight, training focus, or display name.",
		`{"type":"object","properties":{"bodyweight_kg":{"type":"number"},"focus":{"type":"string","description":"Primary training focus, e.g. strength or hypertrophy."},"display_name":{"type":"string"}}}`)
}

func (UpdateProfile) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		BodyweightKg *float64 `json:"bodyweight_kg"`
		Focus        string   `json:"focus"`
		DisplayName  string   `json:"display_name"`
	}
	if msg := decodeArgs(args, &in); msg != "" {
		return msg, nil
	}

	fields := map[string]any{}
	if in.BodyweightKg != nil {
		if *in.BodyweightKg < minBodyweightKg || *in.BodyweightKg > maxBodyweightKg {
			return fmt.Sprintf("Error: bodyweight %.1f kg is outside the accepted range (%d-%d).",
				*in.BodyweightKg, minBodyweightKg, maxBodyweightKg), nil
		}
		fields["bodyweight_kg"] = *in.BodyweightKg
	}
	if strings.TrimSpace(in.Focus) != "" {
		fields["focus"] = strings.TrimSpace(in.Focus)
	}
	if strings.TrimSpace(in.DisplayName) != "" {
		fields["display_name"] = strings.TrimSpace(in.DisplayName)
	}
	if len(fields) == 0 {
		return "Error: nothing to update, no profile fields given.", nil
	}

	// The profile is a singleton keyed by the user id.
	if _, ok := tc.Store.EffectiveView(fitness.KindProfile, tc.UserID); !ok {
		if err := createEntity(ctx, tc, fitness.KindProfile, tc.UserID, fields, nil); err != nil {
			return "", err
		}
	} else {
		_, delta := newEntityDelta(tc, fitness.KindProfile, tc.UserID, fields, nil)
		if err := tc.Store.Apply(ctx, delta); err != nil {
			return "", err
		}
	}

	updated := make([]string, 0, len(fields))
	for key := range fields {
		updated = append(updated, key)
	}
	sort.Strings(updated)
	return "Updated profile: " + strings.Join(updated, ", ") + ".", nil
}

// CreateWorkout creates a workout with exercise instances and planned sets
// expanded from a protocol template.
type CreateWorkout struct{}

func (CreateWorkout) Name() string { return "create_workout" }

func (CreateWorkout) Definition() llm.Tool {
	return functionTool("create_workout",
		"Create a workout on a date from a set/rep protocol, with one exercise instance per named exercise.",
		`{"type":"object","properties":{"title":{"type":"string"},"scheduled_for":{"type":"string","description":"Date in YYYY-MM-DD form."},"protocol_id":{"type":"string","description":"Set/rep protocol template id."},"exercises":{"type":"array","items":{"type":"string"},"description":"Exercise names in order."}}}`)
}

func (CreateWorkout) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Title        string   `json:"title"`
		ScheduledFor string   `json:"scheduled_for"`
		ProtocolID   string   `json:"protocol_id"`
		Exercises    []string `json:"exercises"`
	}
	if msg := decodeArgs(args, &in); msg != "" {
		return msg, nil
	}
	if strings.TrimSpace(in.Title) == "" {
		return "Error: workout title is required.", nil
	}
	date, msg := parseDate(in.ScheduledFor)
	if msg != "" {
		return msg, nil
	}
	protocol, ok := fitness.ProtocolByID(in.ProtocolID)
	if !ok {
		return fmt.Sprintf("Error: unknown protocol %q, known protocols: %s.",
			in.ProtocolID, strings.Join(fitness.ProtocolIDs(), ", ")), nil
	}
	if len(in.Exercises) == 0 {
		return "Error: at least one exercise is required.", nil
	}

	workoutID := tc.NewID()
	planned := strPtr(fitness.StatePlanned)
	err := createEntity(ctx, tc, fitness.KindWorkout, workoutID, map[string]any{
		"title":         strings.TrimSpace(in.Title),
		"scheduled_for": date,
		"protocol_id":   protocol.ID,
	}, planned)
	if err != nil {
		return "", err
	}

	totalSets := 0
	for position, exercise := range in.Exercises {
		instanceID := tc.NewID()
		err := createEntity(ctx, tc, fitness.KindExerciseInstance, instanceID, map[string]any{
			"workout_id": workoutID,
			"name":       strings.TrimSpace(exercise),
			"position":   position,
		}, nil)
		if err != nil {
			return "", err
		}
		for setIndex, reps := range protocol.Reps {
			err := createEntity(ctx, tc, fitness.KindSet, tc.NewID(), map[string]any{
				"exercise_instance_id": instanceID,
				"workout_id":           workoutID,
				"set_number":           setIndex + 1,
				"planned_reps":         reps,
				"intensity":            protocol.Intensity,
				"rest_seconds":         protocol.RestSeconds,
			}, planned)
			if err != nil {
				return "", err
			}
			totalSets++
		}
	}

	tc.RememberWorkout(workoutID)
	tc.PushArtifact(Artifact{
		Type: ArtifactEntityCard,
		Payload: map[string]any{
			"kind":          string(fitness.KindWorkout),
			"id":            workoutID,
			"title":         strings.TrimSpace(in.Title),
			"scheduled_for": date,
			"protocol_id":   protocol.ID,
		},
	})
	return fmt.Sprintf("Created workout %q on %s with %d exercises and %d planned sets (id %s).",
		strings.TrimSpace(in.Title), date, len(in.Exercises), totalSets, workoutID), nil
}

// UpdateWorkout patches a workout's date, protocol, or notes.
type UpdateWorkout struct{}

func (UpdateWorkout) Name() string { return "update_workout" }

func (UpdateWorkout) Definition() llm.Tool {
	return functionTool("update_workout",
		"Change a workout's scheduled date, protocol, or notes. The workout may be named by id or title.",
		`{"type":"object","properties":{"workout":{"type":"string","description":"Workout id or title reference."},"scheduled_for":{"type":"string"},"protocol_id":{"type":"string"},"notes":{"type":"string"}}}`)
}

func (UpdateWorkout) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Workout      string  `json:"workout"`
		ScheduledFor string  `json:"scheduled_for"`
		ProtocolID   string  `json:"protocol_id"`
		Notes        *string `json:"notes"`
	}
	if msg := decodeArgs(args, &in); msg != "" {
		return msg, nil
	}
	workout, failure := ResolveWorkout(tc, in.Workout)
	if failure != "" {
		return failure, nil
	}
	if workout.CompletionState == fitness.StateCancelled {
		return fmt.Sprintf("Error: workout %q is cancelled and cannot be changed.", workout.StringField("title")), nil
	}

	fields := map[string]any{}
	var parts []string
	if in.ScheduledFor != "" {
		date, msg := parseDate(in.ScheduledFor)
		if msg != "" {
			return msg, nil
		}
		fields["scheduled_for"] = date
		parts = append(parts, "rescheduled to "+date)
	}
	if in.ProtocolID != "" {
		protocol, ok := fitness.ProtocolByID(in.ProtocolID)
		if !ok {
			return fmt.Sprintf("Error: unknown protocol %q, known protocols: %s.",
				in.ProtocolID, strings.Join(fitness.ProtocolIDs(), ", ")), nil
		}
		fields["protocol_id"] = protocol.ID
		parts = append(parts, "protocol set to "+protocol.ID)
	}
	if in.Notes != nil {
		fields["notes"] = *in.Notes
		if *in.Notes == workout.StringField("notes") {
			parts = append(parts, "notes unchanged")
		} else {
			parts = append(parts, "notes changed:\n"+diff.Summary(workout.StringField("notes"), *in.Notes))
		}
	}
	if len(fields) == 0 {
		return "Error: nothing to update on the workout.", nil
	}

	_, delta := newEntityDelta(tc, fitness.KindWorkout, workout.ID, fields, nil)
	if err := tc.Store.Apply(ctx, delta); err != nil {
		return "", err
	}
	tc.RememberWorkout(workout.ID)
	return fmt.Sprintf("Updated workout %q: %s", workout.StringField("title"), strings.Join(parts, "; ")), nil
}

// LogSet records actual reps and weight for one planned set.
type LogSet struct{}

func (LogSet) Name() string { return "log_set" }

func (LogSet) Definition() llm.Tool {
	return functionTool("log_set",
		"Record the actual reps and weight for a set of an exercise in a workout.",
		`{"type":"object","properties":{"workout":{"type":"string","description":"Workout id or title; empty means the workout from earlier in the turn."},"exercise":{"type":"string"},"set_number":{"type":"integer"},"reps":{"type":"integer"},"weight_kg":{"type":"number"}}}`)
}

func (LogSet) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Workout   string  `json:"workout"`
		Exercise  string  `json:"exercise"`
		SetNumber int     `json:"set_number"`
		Reps      int     `json:"reps"`
		WeightKg  float64 `json:"weight_kg"`
	}
	if msg := decodeArgs(args, &in); msg != "" {
		return msg, nil
	}
	if in.Reps < 1 || in.Reps > maxSetReps {
		return fmt.Sprintf("Error: %d reps is outside the accepted range (1-%d).", in.Reps, maxSetReps), nil
	}
	if in.WeightKg < 0 || in.WeightKg > maxSetWeightKg {
		return fmt.Sprintf("Error: %.1f kg is outside the accepted range (0-%d).", in.WeightKg, maxSetWeightKg), nil
	}

	workout, failure := ResolveWorkout(tc, in.Workout)
	if failure != "" {
		return failure, nil
	}

	instance, found := findExerciseInstance(tc, workout.ID, in.Exercise)
	if !found {
		return fmt.Sprintf("Error: no exercise matching %q in workout %q.", in.Exercise, workout.StringField("title")), nil
	}
	set, found := findSet(tc, instance.ID, in.SetNumber)
	if !found {
		return fmt.Sprintf("Error: %s has no set %d.", instance.StringField("name"), in.SetNumber), nil
	}

	_, delta := newEntityDelta(tc, fitness.KindSet, set.ID, map[string]any{
		"actual_reps":   in.Reps,
		"actual_weight": in.WeightKg,
	}, strPtr(fitness.StateCompleted))
	if err := tc.Store.Apply(ctx, delta); err != nil {
		return "", err
	}
	tc.RememberWorkout(workout.ID)
	return fmt.Sprintf("Logged %s set %d: %d reps at %.1f kg.",
		instance.StringField("name"), in.SetNumber, in.Reps, in.WeightKg), nil
}

func findExerciseInstance(tc *Context, workoutID, name string) (fitness.Entity, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	var fallback fitness.Entity
	var haveFallback bool
	for _, instance := range tc.Store.ListEffective(fitness.KindExerciseInstance, tc.UserID) {
		if instance.StringField("workout_id") != workoutID {
			continue
		}
		title := strings.ToLower(instance.StringField("name"))
		if title == needle {
			return instance, true
		}
		if !haveFallback && needle != "" && strings.Contains(title, needle) {
			fallback = instance
			haveFallback = true
		}
	}
	return fallback, haveFallback
}

func findSet(tc *Context, instanceID string, setNumber int) (fitness.Entity, bool) {
	for _, set := range tc.Store.ListEffective(fitness.KindSet, tc.UserID) {
		if set.StringField("exercise_instance_id") != instanceID {
			continue
		}
		if n, ok := set.IntField("set_number"); ok && n == setNumber {
			return set, true
		}
	}
	return fitness.Entity{}, false
}

// CompleteWorkout marks a workout done.
type CompleteWorkout struct{}

func (CompleteWorkout) Name() string { return "complete_workout" }

func (CompleteWorkout) Definition() llm.Tool {
	return functionTool("complete_workout",
		"Mark a workout as completed.",
		`{"type":"object","properties":{"workout":{"type":"string","description":"Workout id or title reference."}}}`)
}

func (CompleteWorkout) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	return transitionWorkout(ctx, args, tc, fitness.StateCompleted)
}

// CancelWorkout marks a workout cancelled.
type CancelWorkout struct{}

func (CancelWorkout) Name() string { return "cancel_workout" }

func (CancelWorkout) Definition() llm.Tool {
	return functionTool("cancel_workout",
		"Cancel a scheduled workout.",
		`{"type":"object","properties":{"workout":{"type":"string","description":"Workout id or title reference."}}}`)
}

func (CancelWorkout) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	return transitionWorkout(ctx, args, tc, fitness.StateCancelled)
}

func transitionWorkout(ctx context.Context, args json.RawMessage, tc *Context, target string) (string, error) {
	var in struct {
		Workout string `json:"workout"`
	}
	if msg := decodeArgs(args, &in); msg != "" {
		return msg, nil
	}
	workout, failure := ResolveWorkout(tc, in.Workout)
	if failure != "" {
		return failure, nil
	}
	title := workout.StringField("title")
	switch {
	case workout.CompletionState == target:
		return fmt.Sprintf("Workout %q is already %s.", title, target), nil
	case workout.CompletionState == fitness.StateCompleted && target == fitness.StateCancelled:
		return fmt.Sprintf("Error: workout %q is already completed and cannot be cancelled.", title), nil
	case workout.CompletionState == fitness.StateCancelled && target == fitness.StateCompleted:
		return fmt.Sprintf("Error: workout %q is cancelled and cannot be completed.", title), nil
	}

	_, delta := newEntityDelta(tc, fitness.KindWorkout, workout.ID, nil, strPtr(target))
	if err := tc.Store.Apply(ctx, delta); err != nil {
		return "", err
	}
	tc.RememberWorkout(workout.ID)
	return fmt.Sprintf("Workout %q is now %s.", title, target), nil
}

// SetTargets upserts a per-exercise target. The 1RM figure is data supplied
// by the caller, never computed here.
type SetTargets struct{}

func (SetTargets) Name() string { return "set_targets" }

func (SetTargets) Definition() llm.Tool {
	return functionTool("set_targets",
		"Set or update the target for an exercise: one-rep max and optional rep goal.",
		`{"type":"object","properties":{"exercise":{"type":"string"},"one_rm_kg":{"type":"number"},"target_reps":{"type":"integer"}}}`)
}

func (SetTargets) Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Exercise   string  `json:"exercise"`
		OneRmKg    float64 `json:"one_rm_kg"`
		TargetReps *int    `json:"target_reps"`
	}
	if msg := decodeArgs(args, &in); msg != "" {
		return msg, nil
	}
	exercise := strings.TrimSpace(in.Exercise)
	if exercise == "" {
		return "Error: exercise name is required.", nil
	}
	if in.OneRmKg <= 0 || in.OneRmKg > maxSetWeightKg {
		return fmt.Sprintf("Error: one-rep max %.1f kg is outside the accepted range (0-%d).", in.OneRmKg, maxSetWeightKg), nil
	}

	fields := map[string]any{
		"exercise":  exercise,
		"one_rm_kg": in.OneRmKg,
	}
	if in.TargetReps != nil {
		if *in.TargetReps < 1 || *in.TargetReps > maxSetReps {
			return fmt.Sprintf("Error: target of %d reps is outside the accepted range (1-%d).", *in.TargetReps, maxSetReps), nil
		}
		fields["target_reps"] = *in.TargetReps
	}

	// Targets are keyed by kind/id in the store, so the owner has to be
	// part of the id or two users' targets for one exercise would share a
	// document.
	targetID := "target-" + slugify(tc.UserID) + "-" + slugify(exercise)
	if _, ok := tc.Store.EffectiveView(fitness.KindTarget, targetID); !ok {
		if err := createEntity(ctx, tc, fitness.KindTarget, targetID, fields, nil); err != nil {
			return "", err
		}
	} else {
		_, delta := newEntityDelta(tc, fitness.KindTarget, targetID, fields, nil)
		if err := tc.Store.Apply(ctx, delta); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Target for %s set to %.1f kg 1RM.", exercise, in.OneRmKg), nil
}

func slugify(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// SendMessage stages a message to another user as a draft. Nothing leaves
// the account until the user confirms.
type SendMessage struct{}

func (SendMessage) Name() string { return "send_message" }

func (SendMessage) Definition() llm.Tool {
	return functionTool("send_message",
		"Draft a message to another user. The draft must be confirmed by the user before it is sent.",
		`{"type":"object","properties":{"to":{"type":"string","description":"Recipient user id or name."},"body":{"type":"string"}}}`)
}

func (SendMessage) Execute(_ context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}
	if msg := decodeArgs(args, &in); msg != "" {
		return msg, nil
	}
	to := strings.TrimSpace(in.To)
	body := strings.TrimSpace(in.Body)
	if to == "" {
		return "Error: recipient is required.", nil
	}
	if body == "" {
		return "Error: message body is empty.", nil
	}

	displaced := tc.Drafts.ReplacePending("send_message")
	messageID := tc.NewID()
	skeleton, delta := newEntityDelta(tc, fitness.KindMessage, messageID, map[string]any{
		"to":      to,
		"from":    tc.UserID,
		"body":    body,
		"sent_at": tc.Clock().UTC().Format(time.RFC3339),
	}, nil)
	draft := tc.Drafts.Create(&Draft{
		ID:          tc.NewID(),
		Action:      "send_message",
		Summary:     fmt.Sprintf("Send to %s: %s", to, body),
		NewEntities: []fitness.Entity{skeleton},
		Deltas:      []fitness.Delta{delta},
	})
	tc.PushArtifact(Artifact{
		Type: ArtifactDraftCreated,
		Payload: map[string]any{
			"draft_id": draft.ID,
			"action":   draft.Action,
			"summary":  draft.Summary,
			"replaced": displaced > 0,
		},
	})
	result := fmt.Sprintf("Drafted message to %s (draft %s). Waiting for the user to confirm or discard.", to, draft.ID)
	if displaced > 0 {
		result = fmt.Sprintf("Drafted message to %s, replacing the earlier unsent draft (draft %s). Waiting for the user to confirm or discard.", to, draft.ID)
	}
	return result, nil
}

// SuggestReplies queues quick-reply chips for the client to render.
type SuggestReplies struct{}

func (SuggestReplies) Name() string { return "suggest_replies" }

func (SuggestReplies) Definition() llm.Tool {
	return functionTool("suggest_replies",
		"Offer up to four short quick-reply suggestions for the user's next message.",
		`{"type":"object","properties":{"suggestions":{"type":"array","items":{"type":"string"}}}}`)
}

func (SuggestReplies) Execute(_ context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Suggestions []string `json:"suggestions"`
	}
	if msg := decodeArgs(args, &in); msg != "" {
		return msg, nil
	}
	var chips []string
	for _, s := range in.Suggestions {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		chips = append(chips, s)
		if len(chips) == maxSuggestions {
			break
		}
	}
	if len(chips) == 0 {
		return "Error: at least one non-empty suggestion is required.", nil
	}
	tc.PushArtifact(Artifact{
		Type:    ArtifactSuggestionChips,
		Payload: map[string]any{"suggestions": chips},
	})
	return fmt.Sprintf("Queued %d reply suggestions.", len(chips)), nil
}
