// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterns

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance. validator.Validate caches
// struct metadata, so a single instance is the intended usage.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateEntity checks that an entity is well-formed before analysis.
//
// Description:
//
//	A malformed entity is rejected up front as a data-validation failure.
//	It never enters the retry state machine and is never assigned MIST.
//
// Inputs:
//
//	e - The entity to check. Nil is rejected.
//
// Outputs:
//
//	error - Non-nil with field details when the entity is malformed.
func ValidateEntity(e *Entity) error {
	if e == nil {
		return fmt.Errorf("entity must not be nil")
	}
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("entity %q failed validation: %w", e.ID, err)
	}
	for i, rel := range e.Relationships {
		if rel.TargetID == e.ID {
			return fmt.Errorf("entity %q relationship %d is a self-edge", e.ID, i)
		}
	}
	return nil
}
