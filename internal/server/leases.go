package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"trunkline/internal/domain"
	"trunkline/internal/engine/auth"
	"trunkline/internal/lease"
	"trunkline/internal/repo"
)

func registerLeases(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-leases",
		Method:      http.MethodGet,
		Path:        "/leases",
		Summary:     "List file leases",
	}, func(ctx context.Context, input *struct {
		Owner string `query:"owner"`
		Slug  string `query:"slug"`
		Held  bool   `query:"held"`
	}) (*struct {
		Body []domain.FileLease `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermItemRead); err != nil {
			return nil, err
		}
		ls, err := h.e.ListLeases(ctx, repo.LeaseFilter{OwnerID: input.Owner, Slug: input.Slug, HeldOnly: input.Held})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.FileLease `json:"body"`
		}{Body: nonNilSlice(ls)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lease",
		Method:      http.MethodGet,
		Path:        "/leases/lookup",
		Summary:     "Get the lease on one path",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Path string `query:"path" required:"true"`
	}) (*struct {
		Body domain.FileLease `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermItemRead); err != nil {
			return nil, err
		}
		l, err := h.e.GetLease(ctx, input.Path)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.FileLease `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acquire-lease",
		Method:      http.MethodPost,
		Path:        "/leases/acquire",
		Summary:     "Acquire a file lease",
		Description: "A denied request answers 200 with decision=denied and the advice to follow. A contender denied again after its retry gets 409 lease_blocked.",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body LeaseRequest `json:"body"`
	}) (*struct {
		Body AcquireResponse `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermLeaseWrite); err != nil {
			return nil, err
		}
		res, err := h.e.AcquireLease(ctx, lease.Request{Path: input.Body.Path, OwnerID: input.Body.OwnerID, Slug: input.Body.Slug})
		if err != nil {
			var blocked *lease.BlockedError
			if errors.As(err, &blocked) {
				h.log.WithOwner(blocked.Contender).Warn("lease blocked", "path", blocked.Path, "owner", blocked.Owner)
			}
			return nil, h.fail(err)
		}
		return &struct {
			Body AcquireResponse `json:"body"`
		}{Body: AcquireResponse{Result: res, Advice: lease.Advise(res, nil)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "heartbeat-lease",
		Method:      http.MethodPost,
		Path:        "/leases/heartbeat",
		Summary:     "Refresh a held lease or a pending contention",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body LeaseRequest `json:"body"`
	}) (*struct {
		Body HeartbeatResponse `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermLeaseWrite); err != nil {
			return nil, err
		}
		ok, err := h.e.Heartbeat(ctx, input.Body.Path, input.Body.OwnerID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body HeartbeatResponse `json:"body"`
		}{Body: HeartbeatResponse{Accepted: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-lease",
		Method:      http.MethodPost,
		Path:        "/leases/release",
		Summary:     "Release a held lease",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ReleaseRequest `json:"body"`
	}) (*struct {
		Body lease.Release `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermLeaseWrite); err != nil {
			return nil, err
		}
		reason := input.Body.Reason
		if reason == "" {
			reason = domain.ReleaseEnd
		}
		rel, err := h.e.ReleaseLease(ctx, input.Body.Path, input.Body.OwnerID, reason)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body lease.Release `json:"body"`
		}{Body: rel}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-work",
		Method:      http.MethodPost,
		Path:        "/leases/end",
		Summary:     "Signal the owner finished with a path; idle expiry starts",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body LeaseRequest `json:"body"`
	}) (*struct {
		Body domain.FileLease `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermLeaseWrite); err != nil {
			return nil, err
		}
		l, err := h.e.EndWork(ctx, input.Body.Path, input.Body.OwnerID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.FileLease `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-leases",
		Method:      http.MethodPost,
		Path:        "/leases/sweep",
		Summary:     "Release idle and dead-owner leases",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReleasesResponse `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermLeaseAdmin); err != nil {
			return nil, err
		}
		rels, err := h.e.SweepIdle(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body ReleasesResponse `json:"body"`
		}{Body: ReleasesResponse{Released: nonNilSlice(rels)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-lease",
		Method:      http.MethodPost,
		Path:        "/leases/unblock",
		Summary:     "Operator: clear a blocked contention",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body UnblockRequest `json:"body"`
	}) (*struct {
		Body domain.FileLease `json:"body"`
	}, error) {
		actor, err := h.authorize(ctx, auth.PermLeaseAdmin)
		if err != nil {
			return nil, err
		}
		l, err := h.e.Unblock(ctx, input.Body.Path, input.Body.Contender, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.FileLease `json:"body"`
		}{Body: l}, nil
	})
}

func registerWorkers(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "register-worker",
		Method:      http.MethodPost,
		Path:        "/workers",
		Summary:     "Register a worker process for liveness probing",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body WorkerRequest `json:"body"`
	}) (*struct {
		Body domain.Worker `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermLeaseWrite); err != nil {
			return nil, err
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		w, err := h.e.RegisterWorker(ctx, domain.Worker{ID: input.Body.ID, PID: input.Body.PID, Host: input.Body.Host})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Worker `json:"body"`
		}{Body: w}, nil
	})
}
