// Package snapshot implements envelope serialization, resume rebuild, fork
// rebuild with truncated-history semantics, and the simulation
// time-synchronization routine the Scheduler invokes after a watchdog
// resync or on resume.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/wdc63/qtrader/internal/clock"
	"github.com/wdc63/qtrader/internal/matching"
	"github.com/wdc63/qtrader/internal/order"
	"github.com/wdc63/qtrader/internal/portfolio"
	"github.com/wdc63/qtrader/internal/position"
	"github.com/wdc63/qtrader/internal/runctx"
)

// Tag distinguishes the three persisted envelope kinds.
type Tag string

const (
	TagPause Tag = "PAUSED"
	TagInterrupt Tag = "INTERRUPTED"
	TagFinal Tag = "FINISHED"
)

// envelopeVersion is bumped whenever the on-disk shape changes in a way
// that is not purely additive.
const envelopeVersion = 1

// Envelope is the self-describing serialization of a run's full state.
// Unknown component sections encountered on load are preserved verbatim
// in Unknown so a re-save never silently drops data written by a newer
// build.
type Envelope struct {
	Version int `json:"version"`
	Tag Tag `json:"tag"`
	SavedAt time.Time `json:"saved_at"`

	Mode clock.Mode `json:"mode"`
	CurrentDT time.Time `json:"current_dt"`

	Portfolio portfolio.Snapshot `json:"portfolio"`
	Positions []position.Snapshot `json:"positions"`
	OrderHistory []*order.Order `json:"order_history"`

	// PositionSnapshotsByDate is the position_snapshots[date] table fork
	// rebuild reads from.
	PositionSnapshotsByDate map[string][]position.Snapshot `json:"position_snapshots_by_date"`

	UserData map[string]any `json:"user_data"`

	// StrategyCode and ProviderCode are string blobs of the source that
	// produced this run, stored purely as a documentation artifact:
	// re-execution on resume rebinds against the same built-in Go types,
	// it does not re-interpret this text.
	StrategyCode string `json:"strategy_code"`
	ProviderCode string `json:"provider_code"`

	Unknown map[string]json.RawMessage `json:"-"`
}

// Manager owns the running state needed to produce and consume envelopes:
// the daily position-snapshot table the Engine's Settle populates.
type Manager struct {
	logger *log.Logger

	positionSnapshotsByDate map[string][]position.Snapshot
	positionRowsByDate map[string][]matching.PositionSnapshotRow
}

// NewManager creates an empty snapshot Manager.
func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Manager{
		logger: logger,
		positionSnapshotsByDate: make(map[string][]position.Snapshot),
		positionRowsByDate: make(map[string][]matching.PositionSnapshotRow),
	}
}

// RecordPositionSnapshot implements scheduler.PositionSnapshotRecorder.
func (m *Manager) RecordPositionSnapshot(date string, rows []matching.PositionSnapshotRow, snap []position.Snapshot) {
	m.positionRowsByDate[date] = rows
	m.positionSnapshotsByDate[date] = snap
}

// DailyPositionRows returns every recorded daily_positions.csv row, in
// ascending date order.
func (m *Manager) DailyPositionRows() []matching.PositionSnapshotRow {
	dates := make([]string, 0, len(m.positionRowsByDate))
	for d := range m.positionRowsByDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	var out []matching.PositionSnapshotRow
	for _, d := range dates {
		out = append(out, m.positionRowsByDate[d]...)
	}
	return out
}

// Capture builds a full Envelope from the current run state, tagged per
// status. strategyCode/providerCode are the source blobs to embed.
func (m *Manager) Capture(tag Tag, rc *runctx.Context, strategyCode, providerCode string) Envelope {
	posByDate := make(map[string][]position.Snapshot, len(m.positionSnapshotsByDate))
	for d, s := range m.positionSnapshotsByDate {
		posByDate[d] = s
	}
	return Envelope{
		Version: envelopeVersion,
		Tag: tag,
		SavedAt: rc.Now(),
		Mode: rc.Clock.Mode(),
		CurrentDT: rc.Now(),
		Portfolio: rc.Portfolio.TakeSnapshot(),
		Positions: rc.Positions.TakeSnapshot(),
		OrderHistory: rc.Orders.History(),
		PositionSnapshotsByDate: posByDate,
		UserData: rc.UserData,
		StrategyCode: strategyCode,
		ProviderCode: providerCode,
	}
}

// knownFields are the envelope's own JSON keys; anything else found in a
// loaded file is preserved in Unknown and re-emitted unchanged on Save, so
// a newer build's extra component sections survive an older build's
// pause/resume cycle.
var knownFields = map[string]struct{}{
	"version": {}, "tag": {}, "saved_at": {}, "mode": {}, "current_dt": {},
	"portfolio": {}, "positions": {}, "order_history": {},
	"position_snapshots_by_date": {}, "user_data": {},
	"strategy_code": {}, "provider_code": {},
}

// Save writes env to path as indented JSON, merging back any Unknown
// component sections carried over from Load.
func Save(env Envelope, path string) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("snapshot: marshal envelope: %w", err)
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return fmt.Errorf("snapshot: re-marshal envelope: %w", err)
	}
	for k, v := range env.Unknown {
		if _, known := knownFields[k]; !known {
			merged[k] = v
		}
	}
	out, err := json.MarshalIndent(merged, "", " ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal envelope: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	return nil
}

// Load reads and parses an envelope from path without validating its tag;
// callers that intend to rehydrate execution state must call RequirePaused
// themselves. Fields this build does not recognize are kept in Unknown for
// a future Save to preserve.
func Load(path string) (*Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("snapshot: corrupt envelope %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("snapshot: corrupt envelope %s: %w", path, err)
	}
	env.Unknown = make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, known := knownFields[k]; !known {
			env.Unknown[k] = v
		}
	}
	return &env, nil
}

// RequirePaused is the loader's validation gate: only a PAUSED envelope is
// a legal input to resume or fork.
func RequirePaused(env *Envelope) error {
	if env.Tag != TagPause {
		return fmt.Errorf("snapshot: refusing to rehydrate non-PAUSED envelope (tag=%s)", env.Tag)
	}
	return nil
}

// RebuildForResume restores every component from env onto rc in place. The
// caller is responsible for constructing a fresh Scheduler and Sandbox
// (they carry no persisted state) and invoking the main loop with
// skip_initialize semantics.
func RebuildForResume(env *Envelope, rc *runctx.Context) error {
	if err := RequirePaused(env); err != nil {
		return err
	}
	rc.Portfolio.Restore(env.Portfolio)
	rc.Positions.Restore(env.Positions)
	rc.Orders.RestoreHistory(env.OrderHistory)
	rc.UserData = env.UserData
	if rc.UserData == nil {
		rc.UserData = make(map[string]any)
	}
	rc.Clock.Advance(env.CurrentDT)
	rc.SetStatus(runctx.Running)
	return nil
}

// RebuildForFork performs a fork rebuild at fork date F (exclusive
// boundary: only entries dated < F survive). If reinitialize is
// true, UserData is cleared (the caller must still invoke the new
// strategy's initialize itself); otherwise UserData is preserved
// verbatim.
func RebuildForFork(env *Envelope, forkDate string, reinitialize bool, rc *runctx.Context) error {
	if err := RequirePaused(env); err != nil {
		return err
	}

	truncated := env.Portfolio
	var hist []portfolio.DayRecord
	for _, d := range truncated.History {
		if d.Date < forkDate {
			hist = append(hist, d)
		}
	}
	truncated.History = hist
	rc.Portfolio.Restore(truncated)

	prevDate := latestBefore(env.PositionSnapshotsByDate, forkDate)
	if prevDate == "" {
		rc.Positions.Restore(nil)
	} else {
		rc.Positions.Restore(env.PositionSnapshotsByDate[prevDate])
	}

	var filled []*order.Order
	for _, o := range env.OrderHistory {
		if o.FilledAt.Format("2006-01-02") < forkDate {
			filled = append(filled, o)
		}
	}
	rc.Orders.RestoreHistory(filled)

	if reinitialize {
		rc.UserData = make(map[string]any)
	} else {
		rc.UserData = env.UserData
		if rc.UserData == nil {
			rc.UserData = make(map[string]any)
		}
	}

	forkAt, err := time.Parse("2006-01-02", forkDate)
	if err != nil {
		return fmt.Errorf("snapshot: parse fork date %q: %w", forkDate, err)
	}
	rc.Clock.Advance(forkAt)
	rc.SetStatus(runctx.Running)
	return nil
}

func latestBefore(byDate map[string][]position.Snapshot, forkDate string) string {
	var best string
	for d := range byDate {
		if d < forkDate && d > best {
			best = d
		}
	}
	return best
}

// Synchronizer implements scheduler.Synchronizer: the simulation
// time-synchronization routine, run whenever the sandbox watchdog
// requests a resync.
type Synchronizer struct {
	rc *runctx.Context
	matching *matching.Engine
	recorder *Manager
	logger *log.Logger
}

// NewSynchronizer creates a Synchronizer bound to the live run state.
func NewSynchronizer(rc *runctx.Context, me *matching.Engine, recorder *Manager, logger *log.Logger) *Synchronizer {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Synchronizer{rc: rc, matching: me, recorder: recorder, logger: logger}
}

// SynchronizeToRealtime implements "Time synchronization":
// expires every OPEN order, runs settle-only for each missed trading day
// between the context's current_dt and now, then sets current_dt to now.
func (s *Synchronizer) SynchronizeToRealtime(ctx context.Context, now time.Time) error {
	from := s.rc.Now()
	s.rc.Orders.DayReset(from) // expires every still-OPEN order

	// from's own day is included: a PAUSED snapshot taken intraday (or at
	// end of day, before settle ran) still owes that day's settlement.
	fromDate := from.Format("2006-01-02")
	nowDate := now.Format("2006-01-02")
	missed := s.rc.Calendar.Days()
	for _, d := range missed {
		if d < fromDate || d >= nowDate {
			continue
		}
		s.logger.Printf("[snapshot] resync: settling missed trading day %s", d)
		settleAt, err := time.Parse("2006-01-02", d)
		if err != nil {
			return err
		}
		rows, snap, err := s.matching.Settle(ctx, d, settleAt)
		if err != nil {
			return fmt.Errorf("snapshot: resync settle %s: %w", d, err)
		}
		if s.recorder != nil {
			s.recorder.RecordPositionSnapshot(d, rows, snap)
		}
	}

	s.rc.Clock.Advance(now)
	return nil
}
