package workflow

import (
	"context"
	"errors"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/job"
	"jobengine/internal/model"
	"maps"
	"slices"

	"github.com/google/uuid"
)

// readiness of one step's inputs.
type readiness int

const (
	inputsPending readiness = iota
	inputsReady
	inputsBlocked
)

// schedule advances one invocation: it settles steps whose jobs finished,
// dispatches steps whose inputs are ready in definition order and moves the
// invocation to scheduled or failed once no step can progress.
func (s *Scheduler) schedule(ctx context.Context, id string) error {
	inv, err := s.store.GetInvocation(ctx, id)
	if err != nil {
		return err
	}
	if inv.State == model.InvocationCancelled || inv.State == model.InvocationNew {
		return nil
	}
	logger := s.logger.With("invocationId", id)

	for progressed := true; progressed; {
		progressed = false
		for i := range inv.Steps {
			next, err := s.advance(ctx, inv, i)
			if errors.Is(err, errInvocationClosed) {
				return nil
			}
			if err != nil {
				if !errors.Is(err, apperrors.ErrScheduler) {
					return err
				}
				logger.Warn("Step cannot be scheduled", "step", i, "error", err)
				return s.finish(ctx, id, model.InvocationFailed, err.Error(), apperrors.KindScheduler)
			}
			if next != nil {
				inv, progressed = next, true
			}
		}
	}
	return s.settle(ctx, inv)
}

// advance moves step i forward by at most one state. It returns the updated
// invocation when the step changed.
func (s *Scheduler) advance(ctx context.Context, inv *model.WorkflowInvocation, i int) (*model.WorkflowInvocation, error) {
	step, def := inv.Steps[i], inv.Workflow.Steps[i]
	switch {
	case step.State.Done():
		return nil, nil
	case step.State == model.StepScheduled:
		return s.settleStep(ctx, inv, i)
	case inv.State != model.InvocationReady:
		return nil, nil
	case def.Type.IsInput():
		return s.updateStep(ctx, inv.ID, i, func(st *model.InvocationStep) {
			st.State = model.StepOK
			st.Outputs = map[string]model.OutputRef{InputOutput: inv.Inputs[i]}
		})
	}

	state, reason, err := s.inputsState(ctx, inv, i)
	if err != nil {
		return nil, err
	}
	switch state {
	case inputsPending:
		return nil, nil
	case inputsBlocked:
		s.logger.Info("Step blocked", "invocationId", inv.ID, "step", i, "reason", reason)
		return s.updateStep(ctx, inv.ID, i, func(st *model.InvocationStep) {
			st.State = model.StepBlocked
			st.Message = reason
		})
	}
	return s.dispatch(ctx, inv, i)
}

// inputsState reports whether every connection of step i points at a
// settled, successful output.
func (s *Scheduler) inputsState(ctx context.Context, inv *model.WorkflowInvocation, i int) (readiness, string, error) {
	result := inputsReady
	for _, conn := range inv.Workflow.Steps[i].Inputs {
		src := inv.Steps[conn.SourceStep]
		switch src.State {
		case model.StepFailed, model.StepBlocked:
			return inputsBlocked, fmt.Sprintf("input %s: step %d %s", conn.Input, conn.SourceStep, src.State), nil
		case model.StepNew:
			result = inputsPending
			continue
		}
		ref := src.Outputs[conn.SourceOutput]
		switch {
		case ref.DatasetID != "":
			ds, err := s.store.GetDataset(ctx, ref.DatasetID)
			if err != nil {
				return 0, "", err
			}
			switch ds.State {
			case model.DatasetOK:
			case model.DatasetError, model.DatasetDiscarded:
				return inputsBlocked, fmt.Sprintf("input %s: dataset %s is %s", conn.Input, ds.ID, ds.State), nil
			default:
				result = inputsPending
			}
		case ref.CollectionID != "":
			c, err := s.store.GetCollection(ctx, ref.CollectionID)
			if err != nil {
				return 0, "", err
			}
			switch c.PopulatedState {
			case model.PopulatedOK:
			case model.PopulatedFailed:
				return inputsBlocked, fmt.Sprintf("input %s: collection %s failed: %s", conn.Input, c.ID, c.PopulatedStateMessage), nil
			default:
				result = inputsPending
			}
		}
	}
	return result, "", nil
}

// settleStep marks a scheduled step ok or failed once all its jobs are terminal.
func (s *Scheduler) settleStep(ctx context.Context, inv *model.WorkflowInvocation, i int) (*model.WorkflowInvocation, error) {
	var failed int
	for _, id := range inv.Steps[i].JobIDs {
		j, err := s.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if !j.State.Terminal() {
			return nil, nil
		}
		if j.State != model.JobOK {
			failed++
		}
	}
	total := len(inv.Steps[i].JobIDs)
	return s.updateStep(ctx, inv.ID, i, func(st *model.InvocationStep) {
		if failed == 0 {
			st.State = model.StepOK
			return
		}
		st.State = model.StepFailed
		st.Message = fmt.Sprintf("%d of %d jobs failed", failed, total)
	})
}

// dispatch creates the jobs of step i, scattering over collections fed to
// inputs that are not collection-aware, and starts them once the step is
// recorded on the invocation.
func (s *Scheduler) dispatch(ctx context.Context, inv *model.WorkflowInvocation, i int) (*model.WorkflowInvocation, error) {
	def := inv.Workflow.Steps[i]
	logger := s.logger.With("invocationId", inv.ID, "step", i)

	base := scalarParams(def.Params)
	scatter := map[string]*model.DatasetCollection{}
	var identifiers []string
	for _, conn := range def.Inputs {
		ref := inv.Steps[conn.SourceStep].Outputs[conn.SourceOutput]
		switch {
		case ref.CollectionID != "" && !conn.CollectionAware:
			c, err := s.store.GetCollection(ctx, ref.CollectionID)
			if err != nil {
				return nil, err
			}
			if len(scatter) > 0 && !slices.Equal(identifiers, c.Identifiers()) {
				return nil, apperrors.Scheduler(i, fmt.Sprintf("input %s does not match the element identifiers of the other scattered inputs", conn.Input))
			}
			scatter[conn.Input] = c
			identifiers = c.Identifiers()
		default:
			base = setParam(base, binding(conn.Input, ref))
		}
	}

	var (
		jobs []*model.Job
		st   = model.InvocationStep{State: model.StepScheduled, Outputs: map[string]model.OutputRef{}}
		err  error
	)
	if len(scatter) == 0 {
		j, cerr := s.manager.Create(ctx, s.spec(inv, i, base))
		if cerr != nil {
			return nil, s.createFailed(i, cerr)
		}
		jobs = append(jobs, j)
		for _, out := range j.Outputs {
			st.Outputs[out.Name] = model.OutputRef{DatasetID: out.DatasetID}
		}
	} else {
		jobs, err = s.scatter(ctx, inv, i, base, scatter, identifiers, &st)
		if err != nil {
			return nil, err
		}
	}
	for _, j := range jobs {
		st.JobIDs = append(st.JobIDs, j.ID)
	}
	if len(jobs) == 0 {
		st.State = model.StepOK
	}

	next, err := s.updateStep(ctx, inv.ID, i, func(cur *model.InvocationStep) {
		cur.State, cur.JobIDs, cur.ImplicitGroupID, cur.Outputs = st.State, st.JobIDs, st.ImplicitGroupID, st.Outputs
	})
	if err != nil {
		if errors.Is(err, errInvocationClosed) {
			s.discard(ctx, jobs)
		}
		return nil, err
	}
	logger.Info("Step dispatched", "toolId", def.ToolID, "jobs", len(jobs), "scattered", len(scatter) > 0)

	for _, j := range jobs {
		if _, err := s.manager.Start(ctx, j.ID); err != nil {
			logger.Error("Starting job failed", "jobId", j.ID, "error", err)
		}
	}
	return next, nil
}

// scatter creates one job per element, the output collections and the
// ImplicitCollectionJobs group linking them.
func (s *Scheduler) scatter(ctx context.Context, inv *model.WorkflowInvocation, i int, base []model.ParamBinding,
	inputs map[string]*model.DatasetCollection, identifiers []string, st *model.InvocationStep,
) ([]*model.Job, error) {
	desc, err := s.tools.Get(inv.Workflow.Steps[i].ToolID)
	if err != nil {
		return nil, apperrors.Scheduler(i, err.Error())
	}
	groupID := uuid.NewString()
	var jobs []*model.Job
	for e, identifier := range identifiers {
		params := slices.Clone(base)
		for _, name := range slices.Sorted(maps.Keys(inputs)) {
			el := inputs[name].Elements[e]
			params = setParam(params, binding(name, model.OutputRef{DatasetID: el.DatasetID, CollectionID: el.CollectionID}))
		}
		spec := s.spec(inv, i, params)
		spec.ImplicitGroupID = groupID
		spec.ElementIndex = e
		spec.ElementIdentifier = identifier
		j, err := s.manager.Create(ctx, spec)
		if err != nil {
			s.discard(ctx, jobs)
			return nil, s.createFailed(i, err)
		}
		jobs = append(jobs, j)
	}

	group := &model.ImplicitCollectionJobs{
		ID:                 groupID,
		InvocationID:       inv.ID,
		StepIndex:          i,
		ElementIdentifiers: identifiers,
		OutputCollections:  map[string]string{},
	}
	for _, j := range jobs {
		group.JobIDs = append(group.JobIDs, j.ID)
	}
	for _, out := range desc.Outputs() {
		c := &model.DatasetCollection{
			ID:              uuid.NewString(),
			Name:            out.Name,
			Type:            "list",
			PopulatedState:  model.PopulatedNew,
			ImplicitGroupID: groupID,
		}
		for e, j := range jobs {
			for _, b := range j.Outputs {
				if b.Name == out.Name {
					c.Elements = append(c.Elements, model.CollectionElement{Identifier: identifiers[e], DatasetID: b.DatasetID})
				}
			}
		}
		if len(jobs) == 0 {
			if err := c.MarkPopulated(model.PopulatedOK, "", nil); err != nil {
				return nil, err
			}
		}
		if err := s.store.CreateCollection(ctx, c); err != nil {
			s.discard(ctx, jobs)
			return nil, err
		}
		group.OutputCollections[out.Name] = c.ID
		st.Outputs[out.Name] = model.OutputRef{CollectionID: c.ID}
	}
	if err := s.store.CreateImplicitGroup(ctx, group); err != nil {
		s.discard(ctx, jobs)
		return nil, err
	}
	st.ImplicitGroupID = groupID
	return jobs, nil
}

func (s *Scheduler) spec(inv *model.WorkflowInvocation, i int, params []model.ParamBinding) job.Spec {
	return job.Spec{
		ToolID:       inv.Workflow.Steps[i].ToolID,
		UserID:       inv.UserID,
		HistoryID:    inv.HistoryID,
		Params:       params,
		InvocationID: inv.ID,
		StepIndex:    i,
	}
}

// createFailed turns a rejected job into a scheduler error for step i.
// Infrastructure errors pass through so the pass is retried.
func (s *Scheduler) createFailed(i int, err error) error {
	if errors.Is(err, apperrors.ErrValidation) || errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.Scheduler(i, err.Error())
	}
	return err
}

// discard cancels jobs created for a step that will never run.
func (s *Scheduler) discard(ctx context.Context, jobs []*model.Job) {
	for _, j := range jobs {
		if err := s.queue.Cancel(ctx, j.ID); err != nil {
			s.logger.Warn("Discarding job failed", "jobId", j.ID, "error", err)
		}
	}
}

// updateStep applies fn to step i unless the invocation was cancelled.
func (s *Scheduler) updateStep(ctx context.Context, id string, i int, fn func(*model.InvocationStep)) (*model.WorkflowInvocation, error) {
	return s.store.MutateInvocation(ctx, id, func(inv *model.WorkflowInvocation) error {
		if inv.State == model.InvocationCancelled {
			return errInvocationClosed
		}
		fn(&inv.Steps[i])
		return nil
	})
}

// settle moves a ready invocation to scheduled once every step is
// dispatched, or to failed when the only undispatched steps are blocked.
func (s *Scheduler) settle(ctx context.Context, inv *model.WorkflowInvocation) error {
	if inv.State != model.InvocationReady {
		return nil
	}
	var blocked []int
	for _, st := range inv.Steps {
		switch st.State {
		case model.StepNew:
			return nil
		case model.StepBlocked:
			blocked = append(blocked, st.Index)
		}
	}
	if len(blocked) == 0 {
		return s.finish(ctx, inv.ID, model.InvocationScheduled, "", "")
	}
	return s.finish(ctx, inv.ID, model.InvocationFailed, fmt.Sprintf("steps %v blocked by failed inputs", blocked), apperrors.KindScheduler)
}

func (s *Scheduler) finish(ctx context.Context, id string, state model.InvocationState, message, kind string) error {
	inv, err := s.store.MutateInvocation(ctx, id, func(inv *model.WorkflowInvocation) error {
		if inv.State == model.InvocationCancelled {
			return errInvocationClosed
		}
		inv.ErrorKind = kind
		return inv.SetState(state, message)
	})
	if errors.Is(err, errInvocationClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("Invocation "+string(state), "invocationId", id, "message", message)
	s.notify(ctx, inv)
	return nil
}

func binding(name string, ref model.OutputRef) model.ParamBinding {
	switch {
	case ref.DatasetID != "":
		return model.ParamBinding{Name: name, Kind: model.ParamDataset, DatasetID: ref.DatasetID}
	case ref.CollectionID != "":
		return model.ParamBinding{Name: name, Kind: model.ParamCollection, CollectionID: ref.CollectionID}
	}
	return model.ParamBinding{Name: name, Kind: model.ParamScalar, Value: ref.Value}
}

// scalarParams binds step parameters in name order.
func scalarParams(params map[string]string) []model.ParamBinding {
	var out []model.ParamBinding
	for _, name := range slices.Sorted(maps.Keys(params)) {
		out = append(out, model.ParamBinding{Name: name, Kind: model.ParamScalar, Value: params[name]})
	}
	return out
}

// setParam replaces the binding named like b, or appends it.
func setParam(params []model.ParamBinding, b model.ParamBinding) []model.ParamBinding {
	for i := range params {
		if params[i].Name == b.Name {
			params[i] = b
			return params
		}
	}
	return append(params, b)
}
