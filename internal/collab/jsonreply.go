package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeJSONReply extracts the first JSON object from a model reply and
// unmarshals it into v. Code fences and surrounding prose are ignored, and
// malformed JSON is repaired once before giving up.
func DecodeJSONReply(reply string, v any) error {
	s := strings.TrimSpace(reply)
	if start := strings.Index(s, "{"); start >= 0 {
		s = s[start:]
		if end := strings.LastIndex(s, "}"); end >= 0 {
			s = s[:end+1]
		}
	}
	if s == "" {
		return errors.New("empty reply")
	}

	err := json.Unmarshal([]byte(s), v)
	if err == nil {
		return nil
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return fmt.Errorf("decode reply: %w", err)
	}
	fixed, repairErr := jsonrepair.JSONRepair(s)
	if repairErr != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("decode repaired reply: %w", err)
	}
	return nil
}
