package config

import (
	"encoding/json"
	"time"

	"github.com/sidkik/docmirror/pkg/errors"
)

// Duration is a time.Duration that is written as a Go duration string
// ("90s", "5m") in config files.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts either a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return errors.WithContext(err, "parse duration")
		}
		d.Duration = parsed
		return nil
	default:
		return errors.New("invalid duration")
	}
}
