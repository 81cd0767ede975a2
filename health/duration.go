package health

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration marshals as a whole-second string such as "1h2m3s".
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).Truncate(time.Second).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
