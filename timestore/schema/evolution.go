// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package schema

import (
	"fmt"

	"github.com/zeebo/errs"
)

// ErrEvolution is returned when an incoming schema cannot be reconciled with
// the published baseline without breaking existing readers.
var ErrEvolution = errs.Class("schema evolution")

// EvolutionKind classifies an incoming schema against a baseline.
type EvolutionKind string

// Evolution kinds.
const (
	EvolutionIdentical EvolutionKind = "identical"
	EvolutionAdditive  EvolutionKind = "additive"
	EvolutionBreaking  EvolutionKind = "breaking"
)

// Evolution is the result of classifying an incoming schema against the
// baseline schema of a dataset.
type Evolution struct {
	Kind         EvolutionKind
	AddedColumns Fields
	Reasons      []string
}

// Plan describes how staged and historical data relate to an additively
// evolved schema: added columns read as null for rows written before the
// evolution.
type Plan struct {
	AddedColumns Fields         `json:"addedColumns"`
	Defaults     map[string]any `json:"defaults"`
}

// MigrationPlan returns the plan for applying an additive evolution.
// Identical evolutions yield an empty plan.
func (ev Evolution) MigrationPlan() Plan {
	defaults := make(map[string]any, len(ev.AddedColumns))
	for _, field := range ev.AddedColumns {
		defaults[field.Name] = nil
	}
	return Plan{AddedColumns: ev.AddedColumns, Defaults: defaults}
}

// Classify compares the incoming schema with the baseline.
//
// The result is identical when both declare the same fields and types,
// additive when incoming only adds new fields, and breaking when incoming
// removes fields or changes the type of an existing one. Breaking evolutions
// return an ErrEvolution carrying every reason.
func Classify(baseline, incoming Fields) (Evolution, error) {
	if err := incoming.Validate(); err != nil {
		return Evolution{}, err
	}
	if len(baseline) == 0 {
		return Evolution{Kind: EvolutionIdentical}, nil
	}

	base := make(map[string]Type, len(baseline))
	for _, field := range baseline {
		base[field.Name] = field.Type
	}
	next := make(map[string]Type, len(incoming))
	for _, field := range incoming {
		next[field.Name] = field.Type
	}

	var reasons []string
	for _, field := range baseline {
		incomingType, ok := next[field.Name]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("field %q removed", field.Name))
			continue
		}
		if incomingType != field.Type {
			reasons = append(reasons, fmt.Sprintf("field %q changed type %s -> %s", field.Name, field.Type, incomingType))
		}
	}

	var added Fields
	for _, field := range incoming.Canonical() {
		if _, ok := base[field.Name]; !ok {
			added = append(added, field)
		}
	}

	if len(reasons) > 0 {
		ev := Evolution{Kind: EvolutionBreaking, AddedColumns: added, Reasons: reasons}
		return ev, ErrEvolution.New("incompatible with baseline: %v", reasons)
	}
	if len(added) > 0 {
		return Evolution{Kind: EvolutionAdditive, AddedColumns: added}, nil
	}
	return Evolution{Kind: EvolutionIdentical}, nil
}

// Merge returns the baseline extended with the evolution's added columns,
// preserving baseline declaration order.
func Merge(baseline Fields, added Fields) Fields {
	merged := append(Fields{}, baseline...)
	for _, field := range added {
		if _, ok := merged.ByName(field.Name); !ok {
			merged = append(merged, field)
		}
	}
	return merged
}
