package homee

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetValueCommand(t *testing.T) {
	cmd, err := SetValueCommand(1, 2, 50.5)
	require.NoError(t, err)
	assert.Equal(t, "PUT:/nodes/1/attributes/2?target_value=50.5", cmd)

	cmd, err = SetValueCommand(3, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, "PUT:/nodes/3/attributes/4?target_value=1", cmd)

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := SetValueCommand(1, 2, v)
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestCommands(t *testing.T) {
	from := time.Unix(1500000000, 0)
	till := time.Unix(1500003600, 0)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"get all", GetCommand("all"), "GET:all"},
		{"create group", CreateGroupCommand("Living Room", ""), "POST:groups?name=Living%20Room&image=default"},
		{"create group with image", CreateGroupCommand("Kitchen", "kitchen"), "POST:groups?name=Kitchen&image=kitchen"},
		{
			"create group escapes query separators",
			CreateGroupCommand("Living & Dining=1", ""),
			"POST:groups?name=Living%20%26%20Dining%3D1&image=default",
		},
		{"create group escapes plus", CreateGroupCommand("A+B", ""), "POST:groups?name=A%2BB&image=default"},
		{"encode component keeps marks", EncodeComponent("Bob's (old)! ~*"), "Bob's%20(old)!%20~*"},
		{"delete group", DeleteGroupCommand(7), "DELETE:groups/7"},
		{"play", PlayHomeegramCommand(3), "PUT:homeegrams/3?play=1"},
		{"activate", ActivateHomeegramCommand(3), "PUT:homeegrams/3?active=1"},
		{"deactivate", DeactivateHomeegramCommand(3), "PUT:homeegrams/3?active=0"},
		{"node history", NodeHistoryCommand(5, Window{}), "GET:nodes/5/history?"},
		{
			"node history window",
			NodeHistoryCommand(5, Window{From: from, Till: till, Limit: 10}),
			"GET:nodes/5/history?from=1500000000&till=1500003600&limit=10&",
		},
		{"homeegram history", HomeegramHistoryCommand(2, Window{Limit: 3}), "GET:homeegrams/2/history?limit=3&"},
		{"attribute history", AttributeHistoryCommand(5, 10, Window{From: from}), "GET:nodes/5/attributes/10/history?from=1500000000&"},
		{"diary", DiaryCommand(Window{}), "GET:diary?"},
		{"diary window", DiaryCommand(Window{Till: till, Limit: 1}), "GET:diary?till=1500003600&limit=1&"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestParseHistoryKind(t *testing.T) {
	for _, s := range []string{"node", "attribute", "homeegram"} {
		k, err := ParseHistoryKind(s)
		require.NoError(t, err)
		assert.Equal(t, HistoryKind(s), k)
	}

	_, err := ParseHistoryKind("group")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNumber(t *testing.T) {
	f, err := Number("value", 21.5)
	require.NoError(t, err)
	assert.Equal(t, 21.5, f)

	f, err = Number("value", int64(3))
	require.NoError(t, err)
	assert.Equal(t, 3.0, f)

	_, err = Number("value", "21.5")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "value must be a number", verr.Error())

	_, err = Number("value", math.NaN())
	assert.ErrorIs(t, err, ErrValidation)

	id, err := ID("node_id", 4.0)
	require.NoError(t, err)
	assert.Equal(t, 4, id)

	_, err = ID("node_id", 4.5)
	assert.ErrorIs(t, err, ErrValidation)
}
