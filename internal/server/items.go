package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"trunkline/internal/domain"
	"trunkline/internal/engine"
	"trunkline/internal/engine/auth"
)

func registerItems(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List backlog items with derived phase",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.ItemView `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermItemRead); err != nil {
			return nil, err
		}
		items, err := h.e.ListItems(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []engine.ItemView `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Add a backlog item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body AddItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actor, err := h.authorize(ctx, auth.PermItemWrite)
		if err != nil {
			return nil, err
		}
		it, err := h.e.AddItem(ctx, engine.AddItemOptions{
			Slug:        strings.TrimSpace(input.Body.Slug),
			Group:       input.Body.Group,
			Description: input.Body.Description,
			DependsOn:   input.Body.DependsOn,
			ActorID:     actor,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-backlog",
		Method:      http.MethodPost,
		Path:        "/items/import",
		Summary:     "Merge an authoring backlog into the store",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ImportRequest `json:"body"`
	}) (*struct {
		Body engine.ImportResult `json:"body"`
	}, error) {
		actor, err := h.authorize(ctx, auth.PermItemWrite)
		if err != nil {
			return nil, err
		}
		res, err := h.e.ImportBacklog(ctx, input.Body.backlogFile(), actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.ImportResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready-items",
		Method:      http.MethodGet,
		Path:        "/items/ready",
		Summary:     "Items whose build may be dispatched now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermItemRead); err != nil {
			return nil, err
		}
		ready, err := h.e.Ready(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: nonNilSlice(ready)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{slug}",
		Summary:     "Get one item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
	}) (*struct {
		Body engine.ItemView `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermItemRead); err != nil {
			return nil, err
		}
		it, err := h.e.GetItem(ctx, input.Slug)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.ItemView `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-dependency",
		Method:      http.MethodPost,
		Path:        "/items/{slug}/dependencies",
		Summary:     "Make an item depend on another",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
		Body AddDependencyRequest `json:"body"`
	}) (*struct {
		Body domain.Backlog `json:"body"`
	}, error) {
		actor, err := h.authorize(ctx, auth.PermItemWrite)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Body.DependsOn) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "depends_on is required", nil)
		}
		b, err := h.e.AddDependency(ctx, input.Slug, input.Body.DependsOn, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Backlog `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-action",
		Method:      http.MethodGet,
		Path:        "/items/{slug}/next",
		Summary:     "What the orchestrator should do next for an item",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
	}) (*struct {
		Body engine.Action `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermItemRead); err != nil {
			return nil, err
		}
		act, err := h.e.NextAction(ctx, input.Slug)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.Action `json:"body"`
		}{Body: act}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-outcome",
		Method:      http.MethodPost,
		Path:        "/items/{slug}/report",
		Summary:     "Report a phase outcome",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
		Body ReportRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actor, err := h.authorize(ctx, auth.PermItemReport)
		if err != nil {
			return nil, err
		}
		b := input.Body
		it, err := h.e.ReportOutcome(ctx, engine.Report{
			Slug:    input.Slug,
			Phase:   b.Phase,
			Result:  b.Result,
			Owner:   b.Owner,
			Base:    b.Base,
			Paths:   b.Paths,
			Score:   b.Score,
			Verdict: b.Verdict,
			Issues:  b.Issues,
			ActorID: actor,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-mutation",
		Method:      http.MethodPost,
		Path:        "/items/{slug}/mutations",
		Summary:     "Record a file mutation by the item's worker",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
		Body MutationRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermLeaseWrite); err != nil {
			return nil, err
		}
		it, err := h.e.RecordMutation(ctx, input.Slug, input.Body.Owner, input.Body.Path)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assess-readiness",
		Method:      http.MethodPost,
		Path:        "/items/{slug}/assess",
		Summary:     "Score readiness with the configured command",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actor, err := h.authorize(ctx, auth.PermItemReport)
		if err != nil {
			return nil, err
		}
		it, err := h.e.Assess(ctx, input.Slug, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})
}

func registerDeferrals(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-deferral",
		Method:        http.MethodPost,
		Path:          "/items/{slug}/deferrals",
		Summary:       "Defer out-of-scope work found during build or fix",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
		Body DeferralRequest `json:"body"`
	}) (*struct {
		Body domain.Deferral `json:"body"`
	}, error) {
		actor, err := h.authorize(ctx, auth.PermDeferralSubmit)
		if err != nil {
			return nil, err
		}
		b := input.Body
		d, err := h.e.SubmitDeferral(ctx, input.Slug, domain.Deferral{
			Title:            b.Title,
			Reason:           b.Reason,
			DecisionNeeded:   b.DecisionNeeded,
			SuggestedOutcome: b.SuggestedOutcome,
		}, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Deferral `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deferrals",
		Method:      http.MethodGet,
		Path:        "/items/{slug}/deferrals",
		Summary:     "List an item's deferrals",
	}, func(ctx context.Context, input *struct {
		Slug    string `path:"slug"`
		Pending bool   `query:"pending"`
	}) (*struct {
		Body []domain.Deferral `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermItemRead); err != nil {
			return nil, err
		}
		ds, err := h.e.ListDeferrals(ctx, input.Slug, input.Pending)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.Deferral `json:"body"`
		}{Body: nonNilSlice(ds)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-deferrals",
		Method:      http.MethodPost,
		Path:        "/items/{slug}/deferrals/process",
		Summary:     "Turn pending deferrals into backlog items",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
	}) (*struct {
		Body CreatedItemsResponse `json:"body"`
	}, error) {
		actor, err := h.authorize(ctx, auth.PermDeferralProcess)
		if err != nil {
			return nil, err
		}
		created, err := h.e.ProcessDeferrals(ctx, input.Slug, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body CreatedItemsResponse `json:"body"`
		}{Body: CreatedItemsResponse{Created: nonNilSlice(created)}}, nil
	})
}

func registerFinalize(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "finalize-item",
		Method:      http.MethodPost,
		Path:        "/items/{slug}/finalize",
		Summary:     "Integrate an approved item and remove it from the backlog",
		Errors:      []int{http.StatusConflict, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
		Body *FinalizeRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.FinalizeResult `json:"body"`
	}, error) {
		actor, err := h.authorize(ctx, auth.PermFinalizeRun)
		if err != nil {
			return nil, err
		}
		holder := actor
		if input.Body != nil && input.Body.Holder != "" {
			holder = input.Body.Holder
		}
		res, err := h.e.Finalize(ctx, input.Slug, holder)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.FinalizeResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-finalize-block",
		Method:      http.MethodDelete,
		Path:        "/items/{slug}/finalize/block",
		Summary:     "Clear a recorded finalize block so the next attempt inspects the trunk again",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
	}) (*struct {
		Body domain.FinalizeBlock `json:"body"`
	}, error) {
		actor, err := h.authorize(ctx, auth.PermFinalizeAdmin)
		if err != nil {
			return nil, err
		}
		b, err := h.e.ClearFinalizeBlock(ctx, input.Slug, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.FinalizeBlock `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rebase-item",
		Method:      http.MethodPost,
		Path:        "/items/{slug}/rebase",
		Summary:     "Move an item's integration base and clear its finalize block",
		Errors:      []int{http.StatusConflict, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
		Body *RebaseRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.RebaseResult `json:"body"`
	}, error) {
		actor, err := h.authorize(ctx, auth.PermFinalizeAdmin)
		if err != nil {
			return nil, err
		}
		base := ""
		if input.Body != nil {
			base = input.Body.Base
		}
		res, err := h.e.Rebase(ctx, input.Slug, base, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.RebaseResult `json:"body"`
		}{Body: res}, nil
	})
}
