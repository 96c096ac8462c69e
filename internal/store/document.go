package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"fairplay/internal/model"
)

// applyUpdate merges fields into a JSON document. Each key is a dotted path;
// intermediate objects are created when absent and sibling keys are kept.
func applyUpdate(doc []byte, fields map[string]any) ([]byte, error) {
	var root map[string]any
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if root == nil {
		root = map[string]any{}
	}

	for path, value := range fields {
		if path == "" {
			return nil, fmt.Errorf("empty field path")
		}
		v, err := toJSONValue(value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", path, err)
		}

		parts := strings.Split(path, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}

	return json.Marshal(root)
}

// checkPrecondition reports ErrPrecondition when doc does not satisfy p.
func checkPrecondition(doc []byte, p Precondition) error {
	var root map[string]any
	if err := json.Unmarshal(doc, &root); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	want, err := toJSONValue(p.Want)
	if err != nil {
		return fmt.Errorf("precondition %s: %w", p.Field, err)
	}

	got, ok := lookupPath(root, p.Field)
	if !ok && isZeroJSON(want) {
		return nil
	}
	if ok && reflect.DeepEqual(got, want) {
		return nil
	}
	return fmt.Errorf("%w: %s/%s %s is %v, want %v", ErrPrecondition, p.Collection, p.ID, p.Field, got, want)
}

func lookupPath(root map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	node := root
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			return nil, false
		}
		node = child
	}
	v, ok := node[parts[len(parts)-1]]
	return v, ok
}

func isZeroJSON(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case float64:
		return t == 0
	case string:
		return t == ""
	}
	return false
}

// toJSONValue converts a Go value into its generic JSON form so it nests
// inside a decoded document exactly as it would have been encoded.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeInstance(id string, doc []byte) (*model.EventInstance, error) {
	var inst model.EventInstance
	if err := json.Unmarshal(doc, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	inst.ID = id
	return &inst, nil
}

func decodeUser(id string, doc []byte) (*model.UserProfile, error) {
	var u model.UserProfile
	if err := json.Unmarshal(doc, &u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	u.UID = id
	return &u, nil
}

// indexTimes extracts the range-queryable timestamps of an instance document.
// A zero timestamp is reported as absent.
type indexTimes struct {
	reveal *time.Time
	start  *time.Time
}

func instanceIndex(doc []byte) (indexTimes, error) {
	var stamps struct {
		Reveal time.Time `json:"listRevealDateTime"`
		Start  time.Time `json:"eventStartDateTime"`
	}
	if err := json.Unmarshal(doc, &stamps); err != nil {
		return indexTimes{}, err
	}
	var idx indexTimes
	if !stamps.Reveal.IsZero() {
		t := stamps.Reveal
		idx.reveal = &t
	}
	if !stamps.Start.IsZero() {
		t := stamps.Start
		idx.start = &t
	}
	return idx, nil
}

func (i indexTimes) get(field string) *time.Time {
	switch field {
	case model.FieldListRevealDateTime:
		return i.reveal
	case model.FieldEventStartDateTime:
		return i.start
	}
	return nil
}

func inRange(t *time.Time, from, to time.Time) bool {
	if t == nil {
		return false
	}
	return !t.Before(from) && !t.After(to)
}
