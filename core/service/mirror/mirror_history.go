package mirror

import (
	"context"
	"slices"

	"mirror_server/core/domain"
	"mirror_server/pkg/apperr"
	"mirror_server/pkg/logger"
)

// historyPlan is a history delta folded per message.
type historyPlan struct {
	added      []string // first-seen order, deduplicated
	labelOps   map[string][]domain.LabelChange
	labelOrder []string
	deleted    int
}

// planHistory collapses repeated events: an id reported by several events is fetched at most once,
// and label events are kept in order per message. Ids deleted later in the same delta are not fetched.
func planHistory(changes []domain.HistoryChange) *historyPlan {
	plan := &historyPlan{labelOps: make(map[string][]domain.LabelChange)}
	addedSeen := make(map[string]bool)
	deleted := make(map[string]bool)

	addLabelOp := func(id string, change domain.LabelChange) {
		if _, ok := plan.labelOps[id]; !ok {
			plan.labelOrder = append(plan.labelOrder, id)
		}
		plan.labelOps[id] = append(plan.labelOps[id], change)
	}

	for _, c := range changes {
		if c.MessageID == "" {
			continue
		}
		switch c.Type {
		case domain.ChangeTypeAdded:
			delete(deleted, c.MessageID)
			if !addedSeen[c.MessageID] {
				addedSeen[c.MessageID] = true
				plan.added = append(plan.added, c.MessageID)
			}
			if c.LabelIDs != nil {
				addLabelOp(c.MessageID, domain.LabelChange{MessageID: c.MessageID, Replace: slices.Clone(c.LabelIDs)})
			}
		case domain.ChangeTypeLabelAdded:
			addLabelOp(c.MessageID, domain.LabelChange{MessageID: c.MessageID, Add: c.LabelIDs})
		case domain.ChangeTypeLabelRemoved:
			addLabelOp(c.MessageID, domain.LabelChange{MessageID: c.MessageID, Remove: c.LabelIDs})
		case domain.ChangeTypeDeleted:
			plan.deleted++
			deleted[c.MessageID] = true
		}
	}

	if len(deleted) > 0 {
		plan.added = slices.DeleteFunc(plan.added, func(id string) bool { return deleted[id] })
	}
	return plan
}

// touched lists every id the plan may read from the store.
func (p *historyPlan) touched() []string {
	ids := make([]string, 0, len(p.added)+len(p.labelOrder))
	ids = append(ids, p.added...)
	ids = append(ids, p.labelOrder...)
	return dedupe(ids)
}

// applyLabelChanges updates label sets of messages already in the mirror. Messages fetched
// by this run carry their current labels already, unknown ids are ignored.
func (s *SyncService) applyLabelChanges(ctx context.Context, accountID string, plan *historyPlan, stored map[string]bool) (int, error) {
	updated := 0
	for _, id := range plan.labelOrder {
		if !stored[id] {
			continue
		}
		msg, err := s.messages.GetByID(ctx, accountID, id)
		if err != nil {
			if apperr.IsCode(err, apperr.CodeNotFound) {
				continue
			}
			return updated, apperr.PersistenceFailed("load message "+id, err)
		}

		labels := msg.Labels
		for _, change := range plan.labelOps[id] {
			labels = domain.MergeLabels(labels, change)
		}
		if slices.Equal(labels, msg.Labels) {
			continue
		}

		msg.Labels = labels
		msg.ApplyLabelFlags()
		if err := s.messages.UpdateLabels(ctx, accountID, id, msg.Labels, msg.IsRead, msg.IsStarred); err != nil {
			return updated, apperr.PersistenceFailed("update labels of "+id, err)
		}
		updated++
	}
	if updated > 0 {
		logger.WithContext(ctx).Debug("[SyncService.applyLabelChanges] updated %d label sets", updated)
	}
	return updated, nil
}
