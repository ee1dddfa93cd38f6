package clients

import (
	"encoding/json"
	"fmt"
)

// ComparisonOperator compares a run attribute against a filter value.
// OpDefined takes a boolean value and matches runs where the attribute
// is (or is not) set.
type ComparisonOperator string

const (
	OpDefined        ComparisonOperator = "defined"
	OpEqual          ComparisonOperator = "eq"
	OpNotEqual       ComparisonOperator = "ne"
	OpLess           ComparisonOperator = "lt"
	OpLessOrEqual    ComparisonOperator = "le"
	OpGreater        ComparisonOperator = "gt"
	OpGreaterOrEqual ComparisonOperator = "ge"
)

// LogicalOperator combines filter conditions.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
)

// FilterBy names the run attribute a filter condition applies to. It is
// the wire discriminator of the filter union.
type FilterBy string

const (
	FilterByProjectID    FilterBy = "projectId"
	FilterByExperimentID FilterBy = "experimentId"
	FilterByRunID        FilterBy = "runId"
	FilterByStatus       FilterBy = "status"
	FilterByDeletedAt    FilterBy = "deletedAt"
	FilterByTag          FilterBy = "tag"
	FilterByParam        FilterBy = "param"
	FilterByMetric       FilterBy = "metric"
)

// filterKind constrains one branch of the filter union. discrete kinds
// only accept defined/eq/ne; keyed kinds require a key; stringDiscrete
// kinds are discrete only when the value is a string (params hold both
// strings and numbers).
type filterKind struct {
	discrete       bool
	keyed          bool
	stringDiscrete bool
}

// filterKinds is the discriminator dispatch table of the filter union.
var filterKinds = map[FilterBy]filterKind{
	FilterByProjectID:    {discrete: true},
	FilterByExperimentID: {discrete: true},
	FilterByRunID:        {discrete: true},
	FilterByStatus:       {discrete: true},
	FilterByDeletedAt:    {},
	FilterByTag:          {discrete: true, keyed: true},
	FilterByParam:        {keyed: true, stringDiscrete: true},
	FilterByMetric:       {keyed: true},
}

// RunFilter is a query condition on experiment runs: either a single
// attribute comparison (Condition) or a logical combination of nested
// filters (And/Or).
type RunFilter interface {
	json.Marshaler

	validate() error
}

// Condition filters runs on one attribute. Key is required for tag,
// param and metric conditions and must be empty otherwise. With
// OpDefined, Value must be a bool.
type Condition struct {
	By       FilterBy
	Key      string
	Operator ComparisonOperator
	Value    any
}

func (c Condition) validate() error {
	kind, ok := filterKinds[c.By]
	if !ok {
		return fmt.Errorf("unknown filter attribute %q", c.By)
	}

	if kind.keyed && c.Key == "" {
		return fmt.Errorf("%s filter requires a key", c.By)
	}

	if !kind.keyed && c.Key != "" {
		return fmt.Errorf("%s filter does not take a key", c.By)
	}

	if c.Operator == OpDefined {
		if _, isBool := c.Value.(bool); !isBool {
			return fmt.Errorf("%s filter with %q operator requires a bool value", c.By, OpDefined)
		}

		return nil
	}

	_, isString := c.Value.(string)

	discrete := kind.discrete || (kind.stringDiscrete && isString)
	if discrete && c.Operator != OpEqual && c.Operator != OpNotEqual {
		return fmt.Errorf("%s filter does not support the %q operator", c.By, c.Operator)
	}

	return nil
}

func (c Condition) MarshalJSON() ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	node := map[string]any{
		"by":       c.By,
		"operator": c.Operator,
		"value":    c.Value,
	}

	if c.Key != "" {
		node["key"] = c.Key
	}

	return json.Marshal(node)
}

// CompoundFilter combines nested filters with a logical operator.
type CompoundFilter struct {
	Operator   LogicalOperator
	Conditions []RunFilter
}

// And matches runs satisfying every condition.
func And(conditions ...RunFilter) CompoundFilter {
	return CompoundFilter{Operator: LogicalAnd, Conditions: conditions}
}

// Or matches runs satisfying any condition.
func Or(conditions ...RunFilter) CompoundFilter {
	return CompoundFilter{Operator: LogicalOr, Conditions: conditions}
}

func (f CompoundFilter) validate() error {
	for _, cond := range f.Conditions {
		if err := cond.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (f CompoundFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"operator":   f.Operator,
		"conditions": f.Conditions,
	})
}

// SortOrder is the direction of a sort condition.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// SortBy names the run attribute a sort condition orders on. It is the
// wire discriminator of the sort union.
type SortBy string

const (
	SortByStartedAt SortBy = "startedAt"
	SortByRunNumber SortBy = "runNumber"
	SortByDuration  SortBy = "duration"
	SortByTag       SortBy = "tag"
	SortByParam     SortBy = "param"
	SortByMetric    SortBy = "metric"
)

// sortKeyed lists the sort attributes that take a key.
var sortKeyed = map[SortBy]bool{
	SortByStartedAt: false,
	SortByRunNumber: false,
	SortByDuration:  false,
	SortByTag:       true,
	SortByParam:     true,
	SortByMetric:    true,
}

// RunSort orders query results on one attribute. Key is required for
// tag, param and metric sorts.
type RunSort struct {
	By    SortBy
	Key   string
	Order SortOrder
}

func (s RunSort) MarshalJSON() ([]byte, error) {
	keyed, ok := sortKeyed[s.By]
	if !ok {
		return nil, fmt.Errorf("unknown sort attribute %q", s.By)
	}

	if keyed && s.Key == "" {
		return nil, fmt.Errorf("%s sort requires a key", s.By)
	}

	node := map[string]any{
		"by":    s.By,
		"order": s.Order,
	}

	if s.Key != "" {
		node["key"] = s.Key
	}

	return json.Marshal(node)
}
