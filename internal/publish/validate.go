package publish

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/odin-gateway/realtime-gateway/internal/gateway"
)

const (
	maxPayloadBytesDefault = 65536
	maxDataProperties      = 50
)

var (
	topicIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-:]{1,200}$`)
	typePattern    = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,100}$`)

	unsafeSchemes = []string{"javascript:", "vbscript:", "data:text/html"}
)

// validateStructure enforces the structural constraints on a
// PublishInput before an envelope is constructed (spec §4.9).
func validateStructure(in gateway.PublishInput, maxPayloadBytes int) error {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = maxPayloadBytesDefault
	}

	if !topicIDPattern.MatchString(in.TopicID) {
		return gateway.ErrInvalidInput("topicId", "must match [A-Za-z0-9_.-:]{1,200}")
	}

	if !isValidType(in.Type) {
		return gateway.ErrInvalidInput("type", "must be a baseline type or namespaced as custom:*")
	}

	if in.Priority != nil && (*in.Priority < 0 || *in.Priority > 9) {
		return gateway.ErrInvalidInput("priority", "must be between 0 and 9")
	}

	if len(in.Data) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(in.Data, &obj); err == nil {
			if len(obj) > maxDataProperties {
				return gateway.ErrInvalidInput("data", fmt.Sprintf("must have at most %d top-level properties", maxDataProperties))
			}
		}
		if err := scanForUnsafeContent(in.Data); err != nil {
			return err
		}
	}

	if len(in.Data) > maxPayloadBytes {
		return gateway.ErrPayloadTooLarge()
	}

	return nil
}

func isValidType(t string) bool {
	switch t {
	case gateway.TypeOp, gateway.TypeCursor, gateway.TypePresence, gateway.TypeMetric, gateway.TypeStatus:
		return true
	}
	if strings.HasPrefix(t, "custom:") {
		return typePattern.MatchString(strings.TrimPrefix(t, "custom:"))
	}
	return false
}

// scanForUnsafeContent rejects control characters and a handful of
// script-injection-bearing string schemes inside the raw payload. This
// is a defense-in-depth check on the event plane; it is not a
// substitute for the downstream consumer's own output encoding.
func scanForUnsafeContent(raw []byte) error {
	for _, b := range raw {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			return gateway.ErrInvalidInput("data", "contains control characters")
		}
	}
	lower := strings.ToLower(string(raw))
	if strings.Contains(lower, "<script") {
		return gateway.ErrInvalidInput("data", "contains disallowed markup")
	}
	for _, scheme := range unsafeSchemes {
		if strings.Contains(lower, scheme) {
			return gateway.ErrInvalidInput("data", "contains disallowed URL scheme")
		}
	}
	return nil
}
