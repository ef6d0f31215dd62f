package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_NoInstruments(t *testing.T) {
	err := run(context.Background(), []string{"-instruments", " , "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no instruments")
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Setenv("HUGIN_CONFIG", "")
	t.Setenv("HUGIN_URL", "ws://127.0.0.1:1/ws/api/v2")
	t.Setenv("HUGIN_METRICS_ADDR", "127.0.0.1:0")
	t.Setenv("HUGIN_LOG_LEVEL", "error")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, run(ctx, []string{"-instruments", "BTC-PERPETUAL"}))
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"BTC-PERPETUAL", "ETH-PERPETUAL"}, splitCSV(" BTC-PERPETUAL,,ETH-PERPETUAL "))
	assert.Empty(t, splitCSV(""))
}
