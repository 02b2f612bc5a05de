package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepRunsEveryTask(t *testing.T) {
	var ran []string
	w := Worker{Tasks: []Task{
		{Name: "broken", Run: func(context.Context) (int, error) {
			ran = append(ran, "broken")
			return 0, errors.New("boom")
		}},
		{Name: "ok", Run: func(context.Context) (int, error) {
			ran = append(ran, "ok")
			return 3, nil
		}},
	}}
	counts := w.Sweep(context.Background())
	assert.Equal(t, []string{"broken", "ok"}, ran)
	assert.Equal(t, 3, counts["ok"])
}

func TestRunStopsOnCancel(t *testing.T) {
	var n atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	w := Worker{Interval: 5 * time.Millisecond, Tasks: []Task{{Name: "tick", Run: func(context.Context) (int, error) {
		if n.Add(1) == 3 {
			cancel()
		}
		return 0, nil
	}}}}
	err := w.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, n.Load(), int32(3))
}
