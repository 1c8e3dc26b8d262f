package probe

import (
	"encoding/json"
	"fmt"

	"querylab/internal/grader/canonical"
)

// decodeInto canonicalizes Extended JSON output, then fills dst from it.
func decodeInto(raw string, dst any) error {
	v, err := canonical.DecodeValue([]byte(raw))
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("empty diagnostics output")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
