package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"time"

	"github.com/nugget/meshbridge/internal/wifi"
)

// stateNamespace is the opstate namespace holding one record per
// system, keyed by system ID.
const stateNamespace = "speedtest"

// SpeedTestPolicy controls automatic speed tests.
type SpeedTestPolicy struct {
	Auto     bool
	Interval time.Duration
}

// StateStore persists speed-test records. *opstate.Store satisfies it.
type StateStore interface {
	List(ctx context.Context, namespace string) (map[string]string, error)
	SetBatch(ctx context.Context, namespace string, values map[string]string) error
}

// speedTestRecord is the per-system state carried across polls and
// restarts. A zero LastRun means no test has been attempted.
type speedTestRecord struct {
	LastRun time.Time             `json:"last_run"`
	Result  *wifi.SpeedTestResult `json:"result,omitempty"`
}

// speedTestReason says why a test ran, for logs.
type speedTestReason string

const (
	reasonNone     speedTestReason = ""
	reasonSchedule speedTestReason = "schedule"
	reasonForced   speedTestReason = "forced"
)

// speedTestDue decides whether systemID gets a test this cycle. The
// schedule wins over a forced request so a system is tested at most
// once per refresh.
func (c *Coordinator) speedTestDue(rec speedTestRecord, forced bool, now time.Time) speedTestReason {
	if c.started.Load() && c.cfg.SpeedTest.Auto && now.After(rec.LastRun.Add(c.cfg.SpeedTest.Interval)) {
		return reasonSchedule
	}
	if forced {
		return reasonForced
	}
	return reasonNone
}

// runSpeedTests runs every due test. It returns the updated records,
// the pending requests it satisfied (system ID to the request sequence
// seen), and the IDs it tested. A request made while the run is in
// flight has a newer sequence and survives the commit. Failures are
// logged and counted but never fail the refresh; the timer still
// advances so a persistently failing test is not retried every poll.
// An expired session is the exception: the session is rebuilt and the
// remaining tests wait for the next poll with their timers untouched.
func (c *Coordinator) runSpeedTests(ctx context.Context, log *slog.Logger, gw wifi.Gateway, systems map[string]*wifi.System, now time.Time) (records map[string]speedTestRecord, consumed map[string]uint64, ran []string, err error) {
	c.mu.Lock()
	records = maps.Clone(c.speedTests)
	pending := maps.Clone(c.pending)
	c.mu.Unlock()

	ids := make([]string, 0, len(systems))
	for id := range systems {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if records == nil {
		records = make(map[string]speedTestRecord)
	}
	consumed = make(map[string]uint64)
	for _, id := range ids {
		seq, forced := pending[id]
		rec := records[id]

		reason := c.speedTestDue(rec, forced, now)
		if reason == reasonNone {
			continue
		}
		if forced {
			consumed[id] = seq
		}

		log.Info("running speed test", "system_id", id, "reason", string(reason))
		res, runErr := gw.RunSpeedTest(ctx, id)
		if ctx.Err() != nil {
			return nil, nil, nil, ctx.Err()
		}
		if wifi.KindOf(runErr) == wifi.KindSessionExpired {
			// The test never ran. Leave the timer and any forced
			// request alone and retry on the next poll.
			delete(consumed, id)
			log.Warn("cloud session expired during speed test, opening a new one", "system_id", id, "error", runErr)
			if rerr := c.rebuild(gw); rerr != nil {
				log.Warn("failed to rebuild cloud session", "error", rerr)
			}
			break
		}
		c.cfg.Metrics.SpeedTest(id, res, runErr)

		rec.LastRun = now
		switch {
		case runErr != nil:
			log.Warn("speed test failed", "system_id", id, "kind", wifi.KindOf(runErr).String(), "error", runErr)
		case res == nil:
			log.Info("speed test returned no result", "system_id", id)
		default:
			rec.Result = res
			log.Info("speed test complete",
				"system_id", id,
				"download_bps", res.DownloadBps,
				"upload_bps", res.UploadBps,
			)
		}
		records[id] = rec
		ran = append(ran, id)
	}

	// A forced request for a system the account no longer has can
	// never be served.
	for id, seq := range pending {
		if _, ok := systems[id]; !ok {
			log.Warn("dropping speed test request for unknown system", "system_id", id)
			consumed[id] = seq
		}
	}

	return records, consumed, ran, nil
}

// loadSpeedTests restores persisted records. Undecodable entries are
// skipped.
func (c *Coordinator) loadSpeedTests(ctx context.Context) error {
	if c.cfg.Store == nil {
		return nil
	}
	raw, err := c.cfg.Store.List(ctx, stateNamespace)
	if err != nil {
		return fmt.Errorf("load speed test state: %w", err)
	}

	records := make(map[string]speedTestRecord, len(raw))
	for id, v := range raw {
		var rec speedTestRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			c.logger.Warn("ignoring unreadable speed test state", "system_id", id, "error", err)
			continue
		}
		records[id] = rec
	}

	c.mu.Lock()
	c.speedTests = records
	c.mu.Unlock()

	c.logger.Debug("restored speed test state", "systems", len(records))
	return nil
}

// saveSpeedTests writes the records for the given systems.
func (c *Coordinator) saveSpeedTests(ctx context.Context, records map[string]speedTestRecord, ids []string) error {
	if c.cfg.Store == nil || len(ids) == 0 {
		return nil
	}
	values := make(map[string]string, len(ids))
	for _, id := range ids {
		b, err := json.Marshal(records[id])
		if err != nil {
			return fmt.Errorf("encode speed test state for %s: %w", id, err)
		}
		values[id] = string(b)
	}
	return c.cfg.Store.SetBatch(ctx, stateNamespace, values)
}
