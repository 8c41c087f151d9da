package nodes

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeardCreatesAndUpdates(t *testing.T) {
	clk := clock.NewMock()
	table := NewTable(clk)

	assert.True(t, table.Heard("node2"), "first contact should report new")
	assert.False(t, table.Heard("node2"), "second contact is not new")

	n, ok := table.Get("node2")
	require.True(t, ok)
	assert.Equal(t, clk.Now(), n.LastHeard)
}

func TestReachabilityWindow(t *testing.T) {
	clk := clock.NewMock()
	table := NewTable(clk)

	assert.False(t, table.Reachable(time.Minute), "empty table is isolated")

	table.Heard("node2")
	assert.True(t, table.Reachable(time.Minute))

	clk.Add(2 * time.Minute)
	assert.False(t, table.Reachable(time.Minute), "stale neighbor no longer counts")

	table.Heard("node3")
	assert.True(t, table.Reachable(time.Minute))
	assert.Equal(t, 1, table.ActiveCount(time.Minute))
}

func TestSetInfoAndPosition(t *testing.T) {
	clk := clock.NewMock()
	table := NewTable(clk)

	table.SetInfo("node5", "Ridge Repeater", "RR", 64)
	table.SetPosition("node5", 39.55, -105.78)

	n, ok := table.Get("node5")
	require.True(t, ok)
	assert.Equal(t, "Ridge Repeater", n.LongName)
	assert.Equal(t, "RR", n.ShortName)
	assert.Equal(t, 64, n.Battery)
	assert.Equal(t, 39.55, n.Latitude)
	assert.Equal(t, -105.78, n.Longitude)
}

func TestListOrder(t *testing.T) {
	clk := clock.NewMock()
	table := NewTable(clk)

	table.Heard("old")
	clk.Add(time.Minute)
	table.Heard("new")

	list := table.List()
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)
}
