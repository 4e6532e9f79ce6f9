// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"strings"
	"testing"

	"github.com/absmach/fluxmail/topics"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"project/alpha", false},
		{"single", false},
		{"a/#", true},
		{"a/+/b", true},
		{"a//b", true},
		{"/a", true},
		{"a/", true},
		{"", true},
		{"$topic/a", true},
		{string([]byte{0xFF, 0xFE}), true},
		{"null\u0000char", true},
		{strings.Repeat("a", topics.MaxPathLength+1), true},
	}

	for _, tt := range tests {
		if err := topics.ValidatePath(tt.path); (err != nil) != tt.wantErr {
			t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
	}{
		{"a/b", false},
		{"a/#", false},
		{"#", false},
		{"a/#/b", true},
		{"a/b#", true},
		{"a/+", true},
		{"", true},
	}

	for _, tt := range tests {
		if err := topics.ValidatePattern(tt.pattern); (err != nil) != tt.wantErr {
			t.Errorf("ValidatePattern(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
		}
	}
}
