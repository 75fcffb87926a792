package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type funcServer func(ctx context.Context) error

func (f funcServer) Start(ctx context.Context) error { return f(ctx) }

func TestManagerStopsAllOnError(t *testing.T) {
	boom := errors.New("bind: address in use")
	stopped := make(chan struct{})

	m := NewManager(
		funcServer(func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		}),
		nil,
		funcServer(func(context.Context) error { return boom }),
	)
	assert.Equal(t, 2, m.Len())
	assert.ErrorIs(t, m.Start(context.Background()), boom)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("sibling server was not cancelled")
	}
}

func TestManagerWithoutServersWaits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, NewManager().Start(ctx))
}
