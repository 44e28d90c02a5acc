package syncengine

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/protocol"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
)

// Reasons reported with a Decision and as a response's FallbackReason
const (
	ReasonNoSyncState     = "no_sync_state"
	ReasonEmptyGraph      = "empty_graph"
	ReasonSmallGraph      = "below_min_incremental_nodes"
	ReasonChangelogPruned = "changelog_pruned"
	ReasonOverThreshold   = "pending_over_threshold"
	ReasonWithinThreshold = "pending_within_threshold"
)

// Decision is the outcome of choosing a sync strategy
type Decision struct {
	Strategy protocol.SyncType
	Pending  int // changelog entries the last sync did not cover
	Total    int // live nodes
	Reason   string
}

// DecideStrategy picks full or incremental sync for a graph
func (e *Engine) DecideStrategy(ctx context.Context, session, graph string) (Decision, error) {
	if err := checkScope(session, graph); err != nil {
		return Decision{}, err
	}
	var d Decision
	err := e.store.View(ctx, func(tx syncstore.Tx) error {
		var err error
		d, err = e.decide(tx, session, graph)
		return err
	})
	if err != nil {
		return Decision{}, storeErr(err)
	}

	if e.metrics != nil {
		e.metrics.SetLiveNodes(session, d.Total)
	}
	e.logger.Debug("sync strategy decided",
		logging.Session(session),
		logging.Graph(graph),
		logging.Strategy(string(d.Strategy)),
		logging.String("reason", d.Reason),
		logging.Int("pending", d.Pending),
		logging.Int("total", d.Total))
	return d, nil
}

func (e *Engine) decide(tx syncstore.Tx, session, graph string) (Decision, error) {
	state, err := tx.SyncState(e.stateKey(session, graph))
	if err != nil {
		return Decision{}, err
	}
	total, err := tx.CountNodes(session)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Strategy: protocol.SyncFull, Total: total}
	if state == nil {
		d.Reason = ReasonNoSyncState
		return d, nil
	}

	entries, err := tx.ChangelogSince(session, time.Time{})
	if err != nil {
		return Decision{}, err
	}
	d.Pending = len(changelog.NotCoveredBy(entries, state.Clock))

	watermark, err := tx.ChangelogWatermark(session)
	if err != nil {
		return Decision{}, err
	}

	switch {
	case total == 0:
		d.Reason = ReasonEmptyGraph
	case total < e.cfg.MinIncrementalNodes:
		d.Reason = ReasonSmallGraph
	case !state.Clock.Covers(watermark):
		d.Reason = ReasonChangelogPruned
	case float64(d.Pending) > e.cfg.FullSyncThreshold*float64(total):
		d.Reason = ReasonOverThreshold
	default:
		d.Strategy = protocol.SyncIncremental
		d.Reason = ReasonWithinThreshold
	}
	return d, nil
}
