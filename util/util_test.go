package util

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type record struct {
	Id    string `json:"id"`
	Count int    `json:"count"`
}

func TestDecodeEach(t *testing.T) {
	encdec := NewJsonEncoderDecoder[record]()
	for scenario, fn := range map[string]func(t *testing.T){
		"keeps order": func(t *testing.T) {
			out, err := DecodeEach[record](encdec, []string{`{"id":"a","count":1}`, `{"id":"b","count":2}`})
			require.NoError(t, err)
			require.Len(t, out, 2)
			require.Equal(t, "a", out[0].Id)
			require.Equal(t, 2, out[1].Count)
		},
		"bad message fails batch": func(t *testing.T) {
			_, err := DecodeEach[record](encdec, []string{`{"id":"a"}`, `not json`})
			require.Error(t, err)
			require.Contains(t, err.Error(), "message 1")
		},
		"empty batch": func(t *testing.T) {
			out, err := DecodeEach[record](encdec, nil)
			require.NoError(t, err)
			require.Empty(t, out)
		},
	} {
		t.Run(scenario, fn)
	}
}

func TestTickWorkerStopsCleanly(t *testing.T) {
	var wg sync.WaitGroup
	var ticks atomic.Int32
	tw := NewTickWorker("test", 5*time.Millisecond, func(ctx context.Context) { ticks.Add(1) }, &wg)
	tw.Start()
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)
	tw.Stop()
	tw.Stop()
	wg.Wait()
}

func TestWorkerPoolRunsUntilStopped(t *testing.T) {
	var wg sync.WaitGroup
	var calls atomic.Int32
	pool := NewWorkerPool("test", 3, &wg, func(ctx context.Context) error {
		calls.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
		return nil
	})
	pool.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	pool.Stop()
	wg.Wait()
}
