package config

import (
	"encoding/json"
	"fmt"
)

// RedactedString is a string holding a secret value. All of the common
// serialization interfaces are implemented so that the value cannot leak into
// logs or serialized output. Cast to a plain string to read the value.
type RedactedString string

func (r RedactedString) redacted() string {
	return fmt.Sprintf("<redacted-%d-chars>", len(r))
}

func (r RedactedString) String() string {
	return r.redacted()
}

func (r RedactedString) MarshalText() ([]byte, error) {
	return []byte(r.redacted()), nil
}

func (r RedactedString) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.redacted())
}

func (r RedactedString) MarshalBinary() ([]byte, error) {
	return []byte(r.redacted()), nil
}
