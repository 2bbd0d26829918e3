package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/meshrelay/pkg/models"
)

func ptr[T any](v T) *T { return &v }

func TestNodeStoreMergesPartialUpdates(t *testing.T) {
	m := openTestManager(t, Config{})
	nodes := NewNodeStore(m)
	ctx := context.Background()

	require.NoError(t, nodes.Save(ctx, &models.Node{
		NodeID:    "!a1b2c3d4",
		LongName:  "Hilltop Router",
		ShortName: "HTR",
		PublicKey: []byte{1, 2, 3},
	}))
	require.NoError(t, nodes.Save(ctx, &models.Node{
		NodeID:    "!a1b2c3d4",
		Latitude:  ptr(40.44),
		Longitude: ptr(-79.99),
	}))
	require.NoError(t, nodes.Save(ctx, &models.Node{
		NodeID:       "!a1b2c3d4",
		BatteryLevel: ptr[int64](87),
		Voltage:      ptr(4.01),
	}))

	got, err := nodes.Get(ctx, models.DefaultMeshnetName, "!a1b2c3d4")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Hilltop Router", got.LongName)
	assert.Equal(t, "HTR", got.ShortName)
	assert.Equal(t, []byte{1, 2, 3}, got.PublicKey)
	require.True(t, got.HasLocation())
	assert.InDelta(t, 40.44, *got.Latitude, 1e-9)
	require.NotNil(t, got.BatteryLevel)
	assert.EqualValues(t, 87, *got.BatteryLevel)

	missing, err := nodes.Get(ctx, models.DefaultMeshnetName, "!ffffffff")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := nodes.All(ctx, models.DefaultMeshnetName)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMessageMapLookupAndPrune(t *testing.T) {
	m := openTestManager(t, Config{})
	maps := NewMessageMapStore(m)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		require.NoError(t, maps.Save(ctx, &models.MessageMap{
			RadioID:     fmt.Sprint(1000 + i),
			ChatID:      fmt.Sprintf("$event%d", i),
			ChatRoom:    "!room:example.org",
			MeshnetName: "wpa",
			Text:        fmt.Sprintf("message %d", i),
			Created:     base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := maps.GetByRadioID(ctx, "wpa", "1002")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "$event2", got.ChatID)

	got, err = maps.GetByChatID(ctx, "$event4")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1004", got.RadioID)

	deleted, err := maps.Prune(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)

	got, err = maps.GetByRadioID(ctx, "wpa", "1000")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = maps.GetByRadioID(ctx, "wpa", "1004")
	require.NoError(t, err)
	assert.NotNil(t, got)

	deleted, err = maps.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
