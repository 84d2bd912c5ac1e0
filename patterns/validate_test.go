// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEntity(t *testing.T) {
	tests := []struct {
		name    string
		entity  *Entity
		wantErr bool
	}{
		{
			name:   "valid entity",
			entity: &Entity{ID: "e1", Type: "process"},
		},
		{
			name:    "nil entity",
			entity:  nil,
			wantErr: true,
		},
		{
			name:    "missing id",
			entity:  &Entity{Type: "process"},
			wantErr: true,
		},
		{
			name:    "missing type",
			entity:  &Entity{ID: "e1"},
			wantErr: true,
		},
		{
			name: "relationship strength out of range",
			entity: &Entity{ID: "e1", Type: "process", Relationships: []Relationship{
				{TargetID: "e2", Kind: "flows_to", Strength: 1.5},
			}},
			wantErr: true,
		},
		{
			name: "self edge",
			entity: &Entity{ID: "e1", Type: "process", Relationships: []Relationship{
				{TargetID: "e1", Kind: "flows_to", Strength: 0.5},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntity(tt.entity)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
