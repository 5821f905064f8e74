package job

import (
	"context"
	"errors"
	"fmt"
	"jobengine/internal/model"
)

// Gather finalizes the output collections of an implicit job group once every
// job of the group is terminal. It returns the populated state, or "" while
// jobs are still outstanding. Gathering twice is harmless.
func (m *Manager) Gather(ctx context.Context, groupID string) (model.PopulatedState, error) {
	group, err := m.store.GetImplicitGroup(ctx, groupID)
	if err != nil {
		return "", err
	}
	var failed []int
	for i, id := range group.JobIDs {
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			return "", err
		}
		if !job.State.Terminal() {
			return "", nil
		}
		if job.State != model.JobOK {
			failed = append(failed, i)
		}
	}

	state, message := model.PopulatedOK, ""
	if len(failed) > 0 {
		state = model.PopulatedFailed
		message = fmt.Sprintf("%d of %d elements failed: %v", len(failed), len(group.JobIDs), failed)
	}
	for name, collectionID := range group.OutputCollections {
		_, err := m.store.MutateCollection(ctx, collectionID, func(c *model.DatasetCollection) error {
			return c.MarkPopulated(state, message, failed)
		})
		if errors.Is(err, model.ErrAlreadyPopulated) {
			continue
		}
		if err != nil {
			return "", err
		}
		m.logger.Info("Collection populated", "groupId", groupID, "output", name, "collectionId", collectionID, "populatedState", state)
	}
	return state, nil
}
