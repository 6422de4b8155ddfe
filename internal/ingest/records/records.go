// Package records provides the canonical representation of health-telemetry
// samples and the normalization of raw device export entries into it.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// RawRecord is one entry of a device export payload, as uploaded.
// It only exists for the duration of a single ingestion call.
type RawRecord map[string]any

// Record is the canonical representation of a single health sample.
// Immutable once built.
type Record struct {
	SampleType        string          `mapstructure:"sampleType"`
	StartDate         time.Time       `mapstructure:"startDate"`
	EndDate           time.Time       `mapstructure:"endDate"`
	Metadata          json.RawMessage `mapstructure:"metadata"`
	SourceName        string          `mapstructure:"sourceName"`
	SourceVersion     string          `mapstructure:"sourceVersion"`
	SourceProductType string          `mapstructure:"sourceProductType"`
	Device            string          `mapstructure:"device"`
	ExternalID        string          `mapstructure:"UUID"`
	Quantity          string          `mapstructure:"quantity"`
	Value             string          `mapstructure:"value"`
}

// FieldError reports a raw record field which failed validation.
type FieldError struct {
	Field string
	Value any
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q with value %v: %v", e.Field, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// ErrMissingStartDate is returned when a raw record has no parsable start date.
var ErrMissingStartDate = errors.New("record has no parsable startDate")

// dateLayouts are the timestamp formats observed in device exports, most
// common first.
var dateLayouts = []string{
	"2006-01-02 15:04:05 -0700",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize converts one raw export entry into a Record.
//
// Missing optional fields decode to their zero value. A record whose startDate
// is absent or unparsable is rejected with a *FieldError wrapping
// ErrMissingStartDate; callers are expected to skip such records rather than
// fail the whole payload.
func Normalize(raw RawRecord) (Record, error) {
	var rec Record

	decoder, err := mapstructure.NewDecoder(decoderConfig(&rec))
	if err != nil {
		return Record{}, fmt.Errorf("failed to create decoder: %v", err)
	}

	if err := decoder.Decode(map[string]any(raw)); err != nil {
		return Record{}, &FieldError{Field: "record", Value: nil, Err: err}
	}

	if rec.StartDate.IsZero() {
		return Record{}, &FieldError{Field: "startDate", Value: raw["startDate"], Err: ErrMissingStartDate}
	}

	return rec, nil
}

func decoderConfig(target any) *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			// This hook converts any map[string]interface{} or []interface{} to json.RawMessage.
			func(from reflect.Type, to reflect.Type, data any) (any, error) {
				if to != reflect.TypeOf(json.RawMessage{}) {
					return data, nil
				}

				jsonBytes, err := json.Marshal(data)
				if err != nil {
					return nil, err
				}

				return json.RawMessage(jsonBytes), nil
			},
			// This hook parses export timestamps into time.Time.
			func(from reflect.Type, to reflect.Type, data any) (any, error) {
				if to != reflect.TypeOf(time.Time{}) || from.Kind() != reflect.String {
					return data, nil
				}

				s, ok := data.(string)
				if !ok || s == "" {
					return time.Time{}, nil
				}

				for _, layout := range dateLayouts {
					if ts, err := time.Parse(layout, s); err == nil {
						return ts, nil
					}
				}
				// Leave the zero value so field validation rejects it.
				return time.Time{}, nil
			},
		),
		WeaklyTypedInput: true,
		Result:           target,
	}
}
