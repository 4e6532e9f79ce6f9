// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"reflect"
	"testing"

	"github.com/absmach/fluxmail/topics"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
		{"a/#", "a/b", true},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"a/#", "ab", false},
		{"a/b/#", "a/x/c", false},
		{"#", "a/b/c", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"", "a", false},
		{"a", "", false},
	}

	for _, tt := range tests {
		if got := topics.Match(tt.pattern, tt.path); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestReceives(t *testing.T) {
	tests := []struct {
		pattern  string
		path     string
		leafOnly bool
		want     bool
	}{
		{"a/b", "a/b/c", false, true},
		{"a/b", "a/x", false, false},
		{"a/b", "a/b/c", true, false},
		{"a/b", "a/b", true, true},
		{"a", "a/b/c/d", false, true},
		{"a/#", "a/b/c", true, true},
		{"a/b", "a/bc", false, false},
	}

	for _, tt := range tests {
		if got := topics.Receives(tt.pattern, tt.path, tt.leafOnly); got != tt.want {
			t.Errorf("Receives(%q, %q, %v) = %v, want %v", tt.pattern, tt.path, tt.leafOnly, got, tt.want)
		}
	}
}

func TestAncestors(t *testing.T) {
	if got := topics.Ancestors("a/b/c"); !reflect.DeepEqual(got, []string{"a", "a/b"}) {
		t.Errorf("Ancestors(a/b/c) = %v", got)
	}
	if got := topics.Ancestors("a"); len(got) != 0 {
		t.Errorf("Ancestors(a) = %v, want none", got)
	}
}

func TestBase(t *testing.T) {
	tests := map[string]string{
		"a/b/#": "a/b",
		"#":     "",
		"a/b":   "a/b",
	}
	for in, want := range tests {
		if got := topics.Base(in); got != want {
			t.Errorf("Base(%q) = %q, want %q", in, got, want)
		}
	}
}
