package clients

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionMarshal(t *testing.T) {
	cond := Condition{By: FilterByStatus, Operator: OpEqual, Value: "running"}

	data, err := json.Marshal(cond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"by": "status", "operator": "eq", "value": "running"}`, string(data))
}

func TestKeyedConditionMarshal(t *testing.T) {
	cond := Condition{By: FilterByMetric, Key: "accuracy", Operator: OpGreater, Value: 0.9}

	data, err := json.Marshal(cond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"by": "metric", "key": "accuracy", "operator": "gt", "value": 0.9}`, string(data))
}

func TestDefinedConditionMarshal(t *testing.T) {
	cond := Condition{By: FilterByDeletedAt, Operator: OpDefined, Value: false}

	data, err := json.Marshal(cond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"by": "deletedAt", "operator": "defined", "value": false}`, string(data))
}

func TestConditionValidation(t *testing.T) {
	cases := []struct {
		name string
		cond Condition
	}{
		{
			"unknown attribute",
			Condition{By: "flavour", Operator: OpEqual, Value: "x"},
		},
		{
			"metric without key",
			Condition{By: FilterByMetric, Operator: OpGreater, Value: 1.0},
		},
		{
			"status with key",
			Condition{By: FilterByStatus, Key: "k", Operator: OpEqual, Value: "running"},
		},
		{
			"defined with non-bool value",
			Condition{By: FilterByDeletedAt, Operator: OpDefined, Value: "yes"},
		},
		{
			"ordering on a discrete attribute",
			Condition{By: FilterByRunID, Operator: OpLess, Value: "some-id"},
		},
		{
			"ordering on a string param",
			Condition{By: FilterByParam, Key: "solver", Operator: OpGreater, Value: "adam"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := json.Marshal(tc.cond)
			require.Error(t, err)
		})
	}
}

func TestNumericParamConditionAllowsOrdering(t *testing.T) {
	cond := Condition{By: FilterByParam, Key: "lr", Operator: OpLessOrEqual, Value: 0.01}

	_, err := json.Marshal(cond)
	require.NoError(t, err)
}

func TestCompoundFilterMarshal(t *testing.T) {
	filter := And(
		Condition{By: FilterByStatus, Operator: OpEqual, Value: "ok"},
		Or(
			Condition{By: FilterByTag, Key: "team", Operator: OpEqual, Value: "research"},
			Condition{By: FilterByTag, Key: "team", Operator: OpEqual, Value: "platform"},
		),
	)

	data, err := json.Marshal(filter)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"operator": "and",
		"conditions": [
			{"by": "status", "operator": "eq", "value": "ok"},
			{
				"operator": "or",
				"conditions": [
					{"by": "tag", "key": "team", "operator": "eq", "value": "research"},
					{"by": "tag", "key": "team", "operator": "eq", "value": "platform"}
				]
			}
		]
	}`, string(data))
}

func TestCompoundFilterValidatesNestedConditions(t *testing.T) {
	filter := And(
		Condition{By: FilterByMetric, Operator: OpGreater, Value: 1.0}, // missing key
	)

	_, err := json.Marshal(filter)
	require.Error(t, err)
}

func TestRunSortMarshal(t *testing.T) {
	data, err := json.Marshal(RunSort{By: SortByStartedAt, Order: SortDesc})
	require.NoError(t, err)
	assert.JSONEq(t, `{"by": "startedAt", "order": "desc"}`, string(data))

	data, err = json.Marshal(RunSort{By: SortByMetric, Key: "loss", Order: SortAsc})
	require.NoError(t, err)
	assert.JSONEq(t, `{"by": "metric", "key": "loss", "order": "asc"}`, string(data))
}

func TestRunSortValidation(t *testing.T) {
	_, err := json.Marshal(RunSort{By: "height", Order: SortAsc})
	require.Error(t, err)

	_, err = json.Marshal(RunSort{By: SortByParam, Order: SortAsc})
	require.Error(t, err, "param sorts require a key")
}
