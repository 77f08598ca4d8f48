// Package batch drives the reconciliation run: load a batch file,
// classify which records still need processing, enrich them in input
// order, and checkpoint periodically with an emergency flush on
// interrupt.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"cnascan/internal/common"
	"cnascan/internal/interfaces"
	"cnascan/internal/models"
	"cnascan/internal/services/eligibility"
	"cnascan/internal/services/enrich"
)

// Driver orchestrates one batch run.
type Driver struct {
	config     common.BatchConfig
	session    interfaces.SessionService
	render     interfaces.RenderService
	engine     *enrich.Engine
	classifier *eligibility.Classifier
	store      interfaces.BlobStore
	logger     arbor.ILogger

	// exit is swapped in tests so the interrupt path can be exercised
	// without killing the test process.
	exit func(code int)
}

// NewDriver wires the run orchestrator.
func NewDriver(config common.BatchConfig, session interfaces.SessionService, render interfaces.RenderService, engine *enrich.Engine, classifier *eligibility.Classifier, store interfaces.BlobStore, logger arbor.ILogger) *Driver {
	return &Driver{
		config:     config,
		session:    session,
		render:     render,
		engine:     engine,
		classifier: classifier,
		store:      store,
		logger:     logger,
		exit:       os.Exit,
	}
}

// LoadRecords reads a batch file containing a JSON array of lawyer
// records.
func LoadRecords(path string) ([]*models.LawyerRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file %s: %w", path, err)
	}
	var records []*models.LawyerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse batch file %s: %w", path, err)
	}
	return records, nil
}

// BaseName strips directory and extension from the batch file path for
// use in output filenames.
func BaseName(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// plan is the result of the classification pass.
type plan struct {
	needs   []bool
	reasons []eligibility.Reason
	toDo    int
}

// classify runs the eligibility pass and logs the totals before any
// network work starts.
func (d *Driver) classify(records []*models.LawyerRecord) plan {
	p := plan{
		needs:   make([]bool, len(records)),
		reasons: make([]eligibility.Reason, len(records)),
	}
	byReason := map[eligibility.Reason]int{}

	for i, record := range records {
		needs, reason := d.classifier.Classify(record)
		p.needs[i] = needs
		p.reasons[i] = reason
		byReason[reason]++
		if needs {
			p.toDo++
		}
	}

	d.logger.Info().
		Int("total", len(records)).
		Int("to_process", p.toDo).
		Int("skipped", len(records)-p.toDo).
		Msg("Eligibility pass complete")
	for reason, count := range byReason {
		d.logger.Info().Str("reason", string(reason)).Int("count", count).Msg("Classification")
	}
	return p
}

// Run executes the batch. Startup failures (unreadable input, dead
// proxy, no bootstrap credentials) return an error before any record is
// touched; per-record failures are logged into the run state and the
// loop continues.
func (d *Driver) Run(ctx context.Context, inputPath string) error {
	runID := uuid.NewString()[:8]
	records, err := LoadRecords(inputPath)
	if err != nil {
		return err
	}

	checkpointer := NewCheckpointer(d.store, BaseName(inputPath), d.logger)
	state := NewRunState()

	d.logger.Info().
		Str("run_id", runID).
		Str("input", inputPath).
		Int("records", len(records)).
		Msg("Batch run starting")

	p := d.classify(records)
	if p.toDo == 0 {
		d.logger.Info().Msg("Nothing to process, writing final snapshot as-is")
		for _, record := range records {
			state.AppendResult(record)
		}
		return d.finish(checkpointer, state)
	}

	if !d.session.Verify(ctx) {
		return fmt.Errorf("proxy connection could not be verified")
	}

	auth, err := d.render.BootstrapAuth(ctx)
	if err != nil {
		return fmt.Errorf("failed to bootstrap registry credentials: %w", err)
	}

	stopSignals := d.watchInterrupt(checkpointer, state)
	defer stopSignals()

	processed := 0
	part := 0
	for i, record := range records {
		if ctx.Err() != nil {
			d.logger.Warn().Err(ctx.Err()).Msg("Run cancelled, flushing")
			break
		}

		if !p.needs[i] {
			state.AppendResult(record)
			continue
		}

		out, newAuth := d.processRecord(ctx, record, p.reasons[i], auth, state)
		auth = newAuth
		state.AppendResult(out)

		processed++
		if processed%d.config.CheckpointEvery == 0 {
			part++
			results, _ := state.Snapshot()
			if err := checkpointer.SavePart(results, part); err != nil {
				d.logger.Error().Err(err).Msg("Periodic checkpoint failed")
				state.AppendError(fmt.Sprintf("checkpoint part %d: %v", part, err))
			}
		}
	}

	return d.finish(checkpointer, state)
}

// processRecord enriches one record with the per-record failure boundary:
// a panic or terminal error is logged and the best available version of
// the record is returned, never an error. The returned auth artifacts may
// be fresh if a re-bootstrap happened.
func (d *Driver) processRecord(ctx context.Context, record *models.LawyerRecord, reason eligibility.Reason, auth *models.AuthArtifacts, state *RunState) (out *models.LawyerRecord, outAuth *models.AuthArtifacts) {
	out, outAuth = record, auth
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("record %s (%s): panic: %v", record.Insc, record.State, r)
			d.logger.Error().Msg(msg)
			state.AppendError(msg)
		}
	}()

	work := record
	if reason == eligibility.ReasonStateMismatch {
		work = record.Clone()
		eligibility.Reset(work)
	}

	st, ok := d.classifier.CorrectState(work)
	if !ok {
		d.logger.Warn().
			Str("insc", work.Insc).
			Str("state", work.State).
			Str("cleaned", st).
			Msg("State not in the 27-state set, using best-effort code")
	}
	if reason == eligibility.ReasonStateMismatch && st != "" {
		work.State = st
	}

	enriched, sessionValid := d.engine.Enrich(ctx, work, st, work.Insc, auth)
	if !sessionValid {
		// One full re-bootstrap, one retry. Not an open-ended loop.
		d.logger.Warn().Str("insc", work.Insc).Msg("Credentials expired, re-bootstrapping")
		freshAuth, err := d.render.BootstrapAuth(ctx)
		if err != nil {
			msg := fmt.Sprintf("record %s (%s): re-bootstrap failed: %v", work.Insc, st, err)
			d.logger.Error().Msg(msg)
			state.AppendError(msg)
			return enriched, auth
		}
		outAuth = freshAuth
		enriched, sessionValid = d.engine.Enrich(ctx, work, st, work.Insc, freshAuth)
		if !sessionValid {
			msg := fmt.Sprintf("record %s (%s): rejected even with fresh credentials", work.Insc, st)
			d.logger.Error().Msg(msg)
			state.AppendError(msg)
		}
	}

	return enriched, outAuth
}

// finish writes the final snapshot and the error log.
func (d *Driver) finish(checkpointer *Checkpointer, state *RunState) error {
	results, errs := state.Snapshot()
	if err := checkpointer.SaveFinal(results); err != nil {
		return fmt.Errorf("failed to write final snapshot: %w", err)
	}
	if err := checkpointer.SaveErrorLog(errs, false); err != nil {
		d.logger.Error().Err(err).Msg("Failed to write error log")
	}
	d.logger.Info().
		Int("records", len(results)).
		Int("errors", len(errs)).
		Msg("Batch run finished")
	return nil
}

// watchInterrupt flushes the accumulated state on SIGINT/SIGTERM and
// exits. Returns a function that stops the watcher on normal completion.
func (d *Driver) watchInterrupt(checkpointer *Checkpointer, state *RunState) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			d.logger.Warn().Str("signal", sig.String()).Msg("Interrupt received, emergency flush")
			d.emergencyFlush(checkpointer, state)
			d.exit(1)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// emergencyFlush writes the emergency snapshot and error log best-effort.
func (d *Driver) emergencyFlush(checkpointer *Checkpointer, state *RunState) {
	results, errs := state.Snapshot()
	if err := checkpointer.SaveEmergency(results); err != nil {
		d.logger.Error().Err(err).Msg("Emergency snapshot failed")
	}
	if err := checkpointer.SaveErrorLog(errs, true); err != nil {
		d.logger.Error().Err(err).Msg("Emergency error log failed")
	}
}
