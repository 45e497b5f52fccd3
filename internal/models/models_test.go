package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldValue(t *testing.T) {
	t.Run("Equal", func(t *testing.T) {
		assert.True(t, Number(75).Equal(Number(75.0)))
		assert.False(t, Number(75).Equal(Text("75")))
		assert.True(t, Text("A").Equal(Text("A")))
	})

	t.Run("JSON", func(t *testing.T) {
		fs := FieldSet{FieldBasePrice: Number(75), FieldPriceLevel: Text("retail")}
		data, err := json.Marshal(fs)
		require.NoError(t, err)
		assert.JSONEq(t, `{"base_price":75,"price_level":"retail"}`, string(data))

		var back FieldSet
		require.NoError(t, json.Unmarshal(data, &back))
		assert.True(t, back[FieldBasePrice].Equal(Number(75)))
		assert.Equal(t, KindText, back[FieldPriceLevel].Kind)
	})

	t.Run("RejectsObjects", func(t *testing.T) {
		var v FieldValue
		assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &v))
	})
}

func TestParseNumber(t *testing.T) {
	cases := []struct {
		in      any
		want    float64
		wantErr bool
	}{
		{in: 75.0, want: 75},
		{in: 12, want: 12},
		{in: int64(3), want: 3},
		{in: " 19.99 ", want: 19.99},
		{in: json.Number("4.5"), want: 4.5},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: true, wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseNumber(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "%v", tc.in)
			continue
		}
		require.NoError(t, err)
		assert.InDelta(t, tc.want, got, 1e-9)
	}
}

func TestParseBool(t *testing.T) {
	assert.True(t, ParseBool(true))
	assert.True(t, ParseBool("true"))
	assert.True(t, ParseBool("T"))
	assert.True(t, ParseBool(1.0))
	assert.False(t, ParseBool("F"))
	assert.False(t, ParseBool(nil))
}

func TestFieldSetHelpers(t *testing.T) {
	fs := FieldSet{FieldMSRP: Number(1), FieldBasePrice: Number(2), FieldAverageCost: Number(3)}
	assert.Equal(t, []FieldKey{FieldAverageCost, FieldBasePrice, FieldMSRP}, fs.Keys())

	shared := fs.Filter(func(k FieldKey) bool { return k != FieldAverageCost })
	assert.Len(t, shared, 2)
	assert.Len(t, fs, 3)

	clone := fs.Clone()
	clone[FieldMSRP] = Number(10)
	assert.True(t, fs[FieldMSRP].Equal(Number(1)))
}

func TestEnums(t *testing.T) {
	assert.True(t, JobFailed.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
	assert.False(t, JobPending.IsTerminal())
	assert.False(t, JobStatus("bogus").Valid())
	assert.True(t, FieldVendorCost.Valid())
	assert.False(t, FieldKey("color").Valid())
	assert.True(t, ErrorKindUnmapped.NeedsOperator())
	assert.False(t, ErrorKindTransient.NeedsOperator())
}

func TestPriority(t *testing.T) {
	p, err := ParsePriority("HIGH", PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("", PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, PriorityLow, p)

	_, err = ParsePriority("urgent", PriorityNormal)
	assert.Error(t, err)

	var fromInt Priority
	require.NoError(t, json.Unmarshal([]byte(`2`), &fromInt))
	assert.Equal(t, PriorityHigh, fromInt)

	data, err := json.Marshal(PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, `"low"`, string(data))
}

func TestQueueCountsTotal(t *testing.T) {
	c := QueueCounts{JobPending: 2, JobFailed: 3}
	assert.Equal(t, int64(5), c.Total())
}
