package envelope

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Field limits.
const (
	MaxAssetLen = 64
	MaxTagLen   = 128
	MaxUnitLen  = 32
	MinNodeID   = 1
	MaxNodeID   = 1000
)

var (
	// ErrMalformed is returned when a payload is not parseable JSON.
	ErrMalformed = errors.New("envelope: malformed payload")

	identPattern = regexp.MustCompile(`^[A-Z0-9_]+$`)
)

// Issue describes one rule violation.
type Issue struct {
	Field   string
	Message string
}

func (i Issue) String() string {
	return i.Field + ": " + i.Message
}

// ValidationError lists every rule violation found in an envelope.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return "envelope: invalid: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Issues = append(e.Issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

// IsInvalid reports whether err is a *ValidationError.
func IsInvalid(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the envelope against the schema rules. It returns a
// *ValidationError listing all violations, or nil.
func (e Envelope) Validate() error {
	ve := &ValidationError{}

	if id, err := uuid.Parse(e.EventID); err != nil {
		ve.add("eventId", "must be a UUID")
	} else if id.Version() != 4 {
		ve.add("eventId", "must be a version 4 UUID")
	}
	if e.Timestamp.IsZero() {
		ve.add("timestamp", "is required")
	}

	checkIdent(ve, "asset.plant", e.Asset.Plant, MaxAssetLen)
	checkIdent(ve, "asset.area", e.Asset.Area, MaxAssetLen)
	checkIdent(ve, "asset.unit", e.Asset.Unit, MaxAssetLen)
	checkIdent(ve, "tag", e.Tag, MaxTagLen)

	if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
		ve.add("value", "must be finite")
	}
	if n := utf8.RuneCountInString(e.Unit); n < 1 || n > MaxUnitLen {
		ve.add("unit", "length must be between 1 and %d", MaxUnitLen)
	}
	if !e.Quality.Valid() {
		ve.add("quality", "unknown quality %q", e.Quality)
	}
	if !e.Category.Valid() {
		ve.add("category", "unknown category %q", e.Category)
	}
	if e.NodeID < MinNodeID || e.NodeID > MaxNodeID {
		ve.add("nodeId", "must be between %d and %d", MinNodeID, MaxNodeID)
	}
	if e.Severity != "" && !e.Severity.Valid() {
		ve.add("severity", "unknown severity %q", e.Severity)
	}

	if len(ve.Issues) > 0 {
		return ve
	}
	return nil
}

func checkIdent(ve *ValidationError, field, v string, max int) {
	if n := len(v); n < 1 || n > max {
		ve.add(field, "length must be between 1 and %d", max)
		return
	}
	if !identPattern.MatchString(v) {
		ve.add(field, "must match %s", identPattern.String())
	}
}
