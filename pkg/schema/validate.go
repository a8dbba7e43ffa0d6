package schema

import (
	"maps"
	"slices"
)

// Schema is a map of field names to their expected types.
// Example: {"analysis": Text(), "milestones": Slice(String()), "confidence": Range(0, 1)}
type Schema map[string]Type

// Fields returns the field names in a stable order.
func (s Schema) Fields() []string {
	return slices.Sorted(maps.Keys(s))
}

// Validate checks if data conforms to the schema.
// Fields are checked in sorted order so the reported errors are deterministic.
// Returns an error with all validation failures found.
func Validate(schema Schema, data map[string]any) error {
	if len(schema) == 0 {
		// No schema = no validation
		return nil
	}

	var errs []error

	for _, fieldName := range schema.Fields() {
		fieldType := schema[fieldName]
		value, exists := data[fieldName]
		if !exists {
			if IsOptional(fieldType) {
				continue
			}
			errs = append(errs, &ValidationError{
				Key:    fieldName,
				Reason: "required",
				Value:  nil,
			})
			continue
		}

		if err := fieldType.Validate(value); err != nil {
			errs = append(errs, &ValidationError{
				Key:    fieldName,
				Reason: err.Error(),
				Value:  value,
			})
		}
	}

	if len(errs) > 0 {
		return &AggregateError{Errors: errs}
	}

	return nil
}
