// Package telemetry buffers fire-and-forget usage events in a bounded,
// persisted queue and submits them to the analytics endpoint in batches.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// MaxNameLength is the longest accepted event name, in characters.
const MaxNameLength = 128

// ErrInvalidEvent is returned by Track for events that cannot be queued.
var ErrInvalidEvent = errors.New("telemetry: invalid event")

// Event is one usage event. Properties hold scalars, slices and nested
// string-keyed maps only. Numbers are held as json.Number so that a decoded
// snapshot equals the queue it was saved from. Events are not modified once
// queued.
type Event struct {
	ID         string         `json:"id"`
	Name       string         `json:"event_name"`
	Timestamp  time.Time      `json:"timestamp"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NewEvent validates name and props and returns an event stamped with at.
// props is deep-copied.
func NewEvent(name string, props map[string]any, at time.Time) (Event, error) {
	ev := Event{
		ID:        ulid.Make().String(),
		Name:      name,
		Timestamp: at.UTC().Round(0),
	}
	if len(props) > 0 {
		ev.Properties = make(map[string]any, len(props))
		maps.Copy(ev.Properties, props)
	}
	return ev.normalized()
}

// normalized validates the event and returns a deep copy of it.
func (e Event) normalized() (Event, error) {
	if e.Name == "" {
		return Event{}, fmt.Errorf("%w: name is required", ErrInvalidEvent)
	}
	if utf8.RuneCountInString(e.Name) > MaxNameLength {
		return Event{}, fmt.Errorf("%w: name longer than %d characters", ErrInvalidEvent, MaxNameLength)
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC().Round(0)

	if len(e.Properties) == 0 {
		e.Properties = nil
		return e, nil
	}
	props, err := copyMap(e.Properties, "")
	if err != nil {
		return Event{}, err
	}
	e.Properties = props
	return e, nil
}

func copyMap(in map[string]any, path string) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		cv, err := copyValue(v, path+"."+k)
		if err != nil {
			return nil, err
		}
		out[k] = cv
	}
	return out, nil
}

func copyValue(v any, path string) (any, error) {
	switch t := v.(type) {
	case nil, bool, string:
		return t, nil
	case json.Number:
		if _, err := strconv.ParseFloat(string(t), 64); err != nil {
			return nil, fmt.Errorf("%w: property %s is not a number: %q", ErrInvalidEvent, path[1:], string(t))
		}
		return t, nil
	case int:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int8:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int16:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(t, 10)), nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(t), 10)), nil
	case uint8:
		return json.Number(strconv.FormatUint(uint64(t), 10)), nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(t), 10)), nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(t), 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(t, 10)), nil
	case float32:
		return floatNumber(float64(t), 32, path)
	case float64:
		return floatNumber(t, 64, path)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case map[string]any:
		return copyMap(t, path)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			cv, err := copyValue(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	case []string:
		return toAnySlice(t), nil
	case []bool:
		return toAnySlice(t), nil
	case []int:
		return copyValue(toAnySlice(t), path)
	case []int64:
		return copyValue(toAnySlice(t), path)
	case []float64:
		return copyValue(toAnySlice(t), path)
	default:
		return nil, fmt.Errorf("%w: property %s has unsupported type %T", ErrInvalidEvent, path[1:], v)
	}
}

func floatNumber(f float64, bits int, path string) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: property %s is not finite", ErrInvalidEvent, path[1:])
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, bits)), nil
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
