package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunStopsWorkersInReverseOrder(t *testing.T) {
	var mtx sync.Mutex
	var stopOrder []string

	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	for _, name := range []string{"a", "b", "c"} {
		name := name
		s.Register(Worker{
			Name: name,
			Run: func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			},
			Stop: func() {
				mtx.Lock()
				stopOrder = append(stopOrder, name)
				mtx.Unlock()
			},
		})
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, time.Second) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down in time")
	}

	mtx.Lock()
	defer mtx.Unlock()
	want := []string{"c", "b", "a"}
	if len(stopOrder) != len(want) {
		t.Fatalf("expected %v, got %v", want, stopOrder)
	}
	for i := range want {
		if stopOrder[i] != want[i] {
			t.Fatalf("expected stop order %v, got %v", want, stopOrder)
		}
	}
}

func TestRunPropagatesWorkerError(t *testing.T) {
	s := New(nil)
	boom := errors.New("boom")
	s.Register(Worker{
		Name: "failer",
		Run: func(ctx context.Context) error {
			return boom
		},
	})
	s.Register(Worker{
		Name: "waiter",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
	})

	err := s.Run(context.Background(), time.Second)
	require.Error(t, err, "expected an error from the failing worker")

	var supErr *Err
	require.ErrorAs(t, err, &supErr)
	require.Equal(t, "failer", supErr.Worker)
}
