package app

import (
	"context"
	"sort"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
)

// DeleteTracks 删除待删除音轨的全部文件，文件全部删除成功的音轨才删除记录
func (w *PipelineWorkers) DeleteTracks(ctx context.Context, job vo.TrackDeletionJob) (*vo.DeletionReport, error) {
	report := &vo.DeletionReport{}
	ids := dedupe(job.TrackIDs)
	if len(ids) == 0 {
		return report, nil
	}
	tracks, err := w.store.Tracks().ListTracksByIDs(ctx, ids)
	if err != nil {
		return report, err
	}

	found := make(map[string]bool, len(tracks))
	var pending []*entity.Track
	for _, t := range tracks {
		found[t.ID] = true
		if t.IsPendingDeletion() {
			pending = append(pending, t)
			continue
		}
		report.Skipped = append(report.Skipped, t.ID)
	}
	for _, id := range ids {
		if !found[id] {
			report.Skipped = append(report.Skipped, id)
		}
	}
	if len(pending) == 0 {
		return report, nil
	}

	plan, err := w.planDeletion(ctx, pending)
	if err != nil {
		return report, err
	}

	// 先删只属于单个音轨的文件，批次内共享的文件等所有引用者都删干净后再删
	bad := make(map[string][]string, len(pending))
	reasons := make(map[string]string, len(pending))
	markBad := func(trackID, url string, err error) {
		bad[trackID] = append(bad[trackID], url)
		if reasons[trackID] == "" {
			reasons[trackID] = err.Error()
		}
	}
	var private []string
	for _, t := range pending {
		private = append(private, plan.private[t.ID]...)
	}
	for u, err := range w.storage.DeleteMany(ctx, private).FailedURLs() {
		markBad(plan.owner[u], u, err)
	}

	var shared []string
	for u, holders := range plan.shared {
		keep := false
		for _, id := range holders {
			if len(bad[id]) > 0 {
				keep = true
				break
			}
		}
		if keep {
			logger.Debugf("keep %s, a track sharing it was not deleted", u)
			continue
		}
		shared = append(shared, u)
	}
	sort.Strings(shared)
	for u, err := range w.storage.DeleteMany(ctx, shared).FailedURLs() {
		for _, id := range plan.shared[u] {
			markBad(id, u, err)
		}
	}

	var removable []*entity.Track
	for _, t := range pending {
		if urls := bad[t.ID]; len(urls) > 0 {
			sort.Strings(urls)
			report.Failed = append(report.Failed, vo.DeletionFailure{TrackID: t.ID, URLs: urls, Reason: reasons[t.ID]})
			continue
		}
		removable = append(removable, t)
	}

	if len(removable) > 0 {
		var warnings []*vo.QuotaWarning
		err := w.store.Transaction(ctx, func(tx repo.Store) error {
			warnings = warnings[:0]
			removeIDs := make([]string, 0, len(removable))
			for _, t := range removable {
				removeIDs = append(removeIDs, t.ID)
			}
			if err := tx.Stems().DeleteStemsByTracks(ctx, removeIDs); err != nil {
				return err
			}
			if err := tx.Tracks().DeleteTracks(ctx, removeIDs); err != nil {
				return err
			}
			for _, t := range removable {
				warning, err := w.quota.ApplyUsage(ctx, tx.Quotas(), t.UserID, t.ID, vo.QueueTrackDeletion.String(), vo.QuotaUsage{
					SecondsDelta: -t.QuotaSecondsCharged,
					BytesDelta:   -t.QuotaBytesCharged,
				})
				if err != nil {
					return err
				}
				if warning != nil {
					warnings = append(warnings, warning)
				}
			}
			return nil
		})
		if err != nil {
			return report, &errno.TransactionError{Op: "delete track rows", Err: err}
		}
		for _, t := range removable {
			report.Deleted = append(report.Deleted, t.ID)
		}
		w.publishWarnings(ctx, warnings...)
	}

	if len(report.Failed) > 0 {
		failedIDs := make([]string, 0, len(report.Failed))
		for _, f := range report.Failed {
			failedIDs = append(failedIDs, f.TrackID)
		}
		logger.Warn("Track deletion finished with failures", map[string]interface{}{
			"deleted": report.Deleted,
			"failed":  failedIDs,
		})
	} else {
		logger.Infof("deleted %d tracks, skipped %d", len(report.Deleted), len(report.Skipped))
	}
	return report, nil
}

// deletionPlan private 只被一个待删音轨引用的文件，shared 被多个待删音轨引用的文件及其引用者
type deletionPlan struct {
	private map[string][]string
	owner   map[string]string
	shared  map[string][]string
}

// planDeletion 批次之外仍有记录引用的文件不删
func (w *PipelineWorkers) planDeletion(ctx context.Context, pending []*entity.Track) (*deletionPlan, error) {
	batch := make([]string, 0, len(pending))
	for _, t := range pending {
		batch = append(batch, t.ID)
	}
	holders := make(map[string][]string)
	var order []string
	for _, t := range pending {
		urls := t.ArtifactURLs()
		stems, err := w.store.Stems().ListStemsByTrack(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		for _, s := range stems {
			urls = append(urls, s.ArtifactURLs()...)
		}
		for _, u := range dedupe(urls) {
			if _, seen := holders[u]; !seen {
				order = append(order, u)
			}
			holders[u] = append(holders[u], t.ID)
		}
	}

	plan := &deletionPlan{
		private: make(map[string][]string),
		owner:   make(map[string]string),
		shared:  make(map[string][]string),
	}
	for _, u := range order {
		ids := holders[u]
		if !w.storage.IsStaged(u) {
			n, err := w.store.References().CountReferences(ctx, u, batch)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				logger.Debugf("keep %s of tracks %v, still referenced by %d records", u, ids, n)
				continue
			}
		}
		if len(ids) > 1 {
			plan.shared[u] = ids
			continue
		}
		plan.private[ids[0]] = append(plan.private[ids[0]], u)
		plan.owner[u] = ids[0]
	}
	for id := range plan.private {
		sort.Strings(plan.private[id])
	}
	return plan, nil
}

// trackDeletionFailed 删除任务只记录，记录保持 PENDING_DELETION 以便再次删除
func (w *PipelineWorkers) trackDeletionFailed(_ context.Context, job vo.TrackDeletionJob, cause error) {
	logger.Error("Track deletion failed", failureFields(vo.QueueTrackDeletion.String(), cause, "track_ids", job.TrackIDs))
}
