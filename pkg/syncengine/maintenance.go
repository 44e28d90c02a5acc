package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/protocol"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
)

// PruneChangelog drops a session's changelog entries created before the
// cutoff. Peers whose knowledge predates the pruned entries get a full
// payload on their next incremental request.
func (e *Engine) PruneChangelog(ctx context.Context, session string, before time.Time) (int, error) {
	if err := checkSession(session); err != nil {
		return 0, err
	}
	var pruned int
	err := e.store.Update(ctx, func(tx syncstore.Tx) error {
		var err error
		pruned, err = tx.PruneChangelog(session, before)
		return err
	})
	if err != nil {
		return 0, storeErr(err)
	}

	if e.metrics != nil {
		e.metrics.RecordPrune(pruned)
	}
	if pruned > 0 {
		e.logger.Info("changelog pruned",
			logging.Session(session),
			logging.Count(pruned),
			logging.String("before", before.Format(time.RFC3339)))
	}
	return pruned, nil
}

// Conflicts returns the conflict records stored for a session
func (e *Engine) Conflicts(ctx context.Context, session string) ([]*conflict.Record, error) {
	if err := checkSession(session); err != nil {
		return nil, err
	}
	var records []*conflict.Record
	err := e.store.View(ctx, func(tx syncstore.Tx) error {
		var err error
		records, err = tx.ListConflicts(session)
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return records, nil
}

// ImportConflicts stores the conflict records a peer reported. Records this
// replica already holds, including ones it resolved itself, are skipped.
func (e *Engine) ImportConflicts(ctx context.Context, report *protocol.ConflictReport) (int, error) {
	if report == nil {
		return 0, fmt.Errorf("%w: nil conflict report", protocol.ErrMalformedRequest)
	}
	if err := report.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", protocol.ErrMalformedRequest, err)
	}

	var imported int
	err := e.store.Update(ctx, func(tx syncstore.Tx) error {
		for _, rec := range report.Conflicts {
			if rec == nil || rec.SessionID != report.SessionID {
				continue
			}
			if err := tx.AppendConflict(rec); err != nil {
				return err
			}
			imported++
		}
		return nil
	})
	if err != nil {
		return 0, storeErr(err)
	}

	e.logger.Debug("conflict report received",
		logging.Session(report.SessionID),
		logging.Graph(report.GraphName),
		logging.String("reporter", report.ReporterInstance),
		logging.Count(imported))
	return imported, nil
}

// ConflictReport packages a session's conflicts for a peer
func (e *Engine) ConflictReport(session, graph string, records []*conflict.Record) *protocol.ConflictReport {
	return &protocol.ConflictReport{
		SessionID:        session,
		GraphName:        graph,
		ReporterInstance: e.cfg.InstanceID,
		Conflicts:        records,
	}
}
