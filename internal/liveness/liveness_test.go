package liveness

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"trunkline/internal/domain"
	"trunkline/internal/repo"
)

type workers map[string]domain.Worker

func (w workers) GetWorker(_ context.Context, _ repo.Querier, id string) (domain.Worker, error) {
	if wk, ok := w[id]; ok {
		return wk, nil
	}
	return domain.Worker{}, repo.ErrNotFound
}

func TestPIDProbe(t *testing.T) {
	src := workers{
		"alive":  {ID: "alive", PID: 10, Host: "h1"},
		"dead":   {ID: "dead", PID: 11, Host: "h1"},
		"other":  {ID: "other", PID: 12, Host: "h1"},
		"remote": {ID: "remote", PID: 13, Host: "h2"},
	}
	p := PID{Workers: src, Host: "h1", Probe: func(pid int) error {
		switch pid {
		case 10:
			return nil
		case 11:
			return unix.ESRCH
		case 12:
			return unix.EPERM
		}
		return errors.New("unexpected probe")
	}}
	ctx := context.Background()

	for owner, want := range map[string]bool{"alive": true, "dead": false, "other": true, "remote": true} {
		got, err := p.IsAlive(ctx, owner)
		require.NoError(t, err, owner)
		assert.Equal(t, want, got, owner)
	}

	_, err := p.IsAlive(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnregistered)
}

func TestPIDProbeSelf(t *testing.T) {
	p := PID{Workers: workers{"me": {ID: "me", PID: os.Getpid()}}}
	alive, err := p.IsAlive(context.Background(), "me")
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestTrust(t *testing.T) {
	alive, err := Trust{}.IsAlive(context.Background(), "anyone")
	require.NoError(t, err)
	assert.True(t, alive)
}
