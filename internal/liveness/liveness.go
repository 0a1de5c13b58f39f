// Package liveness answers whether a lease or lock owner can still act.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"trunkline/internal/domain"
	"trunkline/internal/repo"
)

// ErrUnregistered is returned for owners with no worker record. Callers
// treat any error as live.
var ErrUnregistered = errors.New("worker not registered")

// WorkerSource looks up a worker's process identity.
type WorkerSource interface {
	GetWorker(ctx context.Context, q repo.Querier, id string) (domain.Worker, error)
}

// PID probes the process registered for an owner with signal 0. Owners on
// another host cannot be probed and are reported live.
type PID struct {
	Workers WorkerSource
	Host    string
	Probe   func(pid int) error
}

func NewPID(workers WorkerSource) PID {
	host, _ := os.Hostname()
	return PID{Workers: workers, Host: host}
}

func (p PID) IsAlive(ctx context.Context, ownerID string) (bool, error) {
	w, err := p.Workers.GetWorker(ctx, nil, ownerID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, fmt.Errorf("%s: %w", ownerID, ErrUnregistered)
	}
	if err != nil {
		return false, err
	}
	if w.PID <= 0 {
		return false, fmt.Errorf("%s has no pid", ownerID)
	}
	if w.Host != "" && p.Host != "" && w.Host != p.Host {
		return true, nil
	}
	probe := p.Probe
	if probe == nil {
		probe = signalZero
	}
	switch err := probe(w.PID); {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EPERM):
		// exists but belongs to someone else
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	default:
		return false, fmt.Errorf("probe pid %d: %w", w.PID, err)
	}
}

func signalZero(pid int) error {
	return unix.Kill(pid, 0)
}

// Trust reports every owner live. Leases then end only by explicit
// release or the idle sweep.
type Trust struct{}

func (Trust) IsAlive(context.Context, string) (bool, error) {
	return true, nil
}
