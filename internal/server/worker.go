package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/simcalib/internal/config"
	"github.com/cwbudde/simcalib/internal/optimizer"
	"github.com/cwbudde/simcalib/internal/recorder"
	"github.com/cwbudde/simcalib/internal/store"
)

// runJob executes a calibration job in the background.
// If runStore is not nil the finished run is persisted there, together
// with its trace and archived history when the job config asks for them.
func runJob(ctx context.Context, jm *JobManager, runStore store.Store, jobID string) error {
	ctx, cancel, err := jm.start(ctx, jobID)
	if err != nil {
		return err
	}
	defer cancel()

	job, _ := jm.GetJob(jobID)
	history, _ := jm.History(jobID)
	slog.Info("Starting job", "job_id", jobID, "name", job.Config.Name, "optimizer", job.Config.Optimizer.Kind)
	jm.broadcaster.Broadcast(ProgressEvent{JobID: jobID, State: StateRunning, Timestamp: time.Now()})

	cal, err := job.Config.Build(ctx)
	if err != nil {
		if ctx.Err() != nil {
			markJobCancelled(jm, jobID)
			return ctx.Err()
		}
		markJobFailed(jm, jobID, fmt.Errorf("failed to build calibration: %w", err))
		return err
	}
	names := cal.Manager.Names()
	jm.UpdateJob(jobID, func(j *Job) {
		j.ParameterNames = names
		j.Parameters = cal.Initial
	})

	history.AddSink(progressSink(jm, jobID))
	if runStore != nil && job.Config.Output.Trace {
		if tw := openTrace(runStore, jobID); tw != nil {
			defer tw.Close()
			history.AddSink(tw)
		}
	}

	res, err := cal.Run(ctx, history)
	if errors.Is(err, context.Canceled) || (err != nil && ctx.Err() != nil) {
		markJobCancelled(jm, jobID)
		return ctx.Err()
	}
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	physical, err := cal.Physical(res.Parameters)
	if err != nil {
		slog.Warn("Result outside parameter bounds", "job_id", jobID, "error", err)
	}

	endTime := time.Now()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.OptimizerState = res.State
		j.Phase = res.Phase
		j.Reason = res.Reason
		j.Parameters = res.Parameters
		j.Physical = physical
		j.ResidualNorm = finite(res.ResidualNorm)
		j.FirstResidualNorm = finite(res.FirstResidualNorm)
		j.Iterations = res.Iterations
		j.Evaluations = res.Stats.Total
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", endTime.Sub(job.StartTime),
		"optimizer_state", res.State,
		"iterations", res.Iterations,
		"residual_norm", res.ResidualNorm,
	)

	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:          jobID,
		State:          StateCompleted,
		OptimizerState: res.State,
		Iterations:     res.Iterations,
		ResidualNorm:   finite(res.ResidualNorm),
		Parameters:     res.Parameters,
		Evaluations:    res.Stats.Total,
		Timestamp:      endTime,
	})

	if runStore != nil {
		persistRun(runStore, job, cal, res, physical, history)
	}
	return nil
}

// progressSink updates the job and broadcasts an event for every
// committed iteration.
func progressSink(jm *JobManager, jobID string) recorder.Sink {
	return recorder.SinkFunc(func(it recorder.Iteration) error {
		entry := store.EntryFromIteration(it)
		var event ProgressEvent
		err := jm.UpdateJob(jobID, func(j *Job) {
			j.Iterations = entry.Iteration + 1
			j.Evaluations += entry.Evaluations
			if entry.Parameters != nil {
				j.Parameters = entry.Parameters
			}
			if entry.ResidualNorm != nil {
				j.ResidualNorm = entry.ResidualNorm
				if j.FirstResidualNorm == nil {
					j.FirstResidualNorm = entry.ResidualNorm
				}
			}
			event = ProgressEvent{
				JobID:          jobID,
				State:          j.State,
				OptimizerState: j.OptimizerState,
				Iterations:     j.Iterations,
				ResidualNorm:   j.ResidualNorm,
				Parameters:     j.Parameters,
				Evaluations:    j.Evaluations,
				Timestamp:      entry.Timestamp,
			}
		})
		if err != nil {
			return err
		}
		jm.broadcaster.Broadcast(event)
		return nil
	})
}

// openTrace returns a trace writer for stores that live on disk.
func openTrace(runStore store.Store, jobID string) *store.TraceWriter {
	fs, ok := runStore.(interface{ BaseDir() string })
	if !ok {
		return nil
	}
	tw, err := store.NewTraceWriter(fs.BaseDir(), jobID, false)
	if err != nil {
		slog.Warn("Failed to open trace", "job_id", jobID, "error", err)
		return nil
	}
	return tw
}

// persistRun saves the run record and, if requested, the full history.
// Failures are logged; the job result is already in memory.
func persistRun(runStore store.Store, job *Job, cal *config.Calibration, res *optimizer.Result,
	physical map[string]float64, history *recorder.Result) {
	record := store.NewRunRecord(job.ID, cal.Name, cal.Optimizer.Name(), cal.Manager.Parameters(), res, job.StartTime)
	record.Physical = physical
	if raw, err := json.Marshal(job.Config); err == nil {
		record.Config = raw
	}
	if err := runStore.SaveRun(job.ID, record); err != nil {
		slog.Error("Failed to save run", "job_id", job.ID, "error", err)
		return
	}
	if job.Config.Output.Archive {
		if err := runStore.SaveHistory(job.ID, history.Snapshot()); err != nil {
			slog.Error("Failed to archive history", "job_id", job.ID, "error", err)
		}
	}
	slog.Info("Run saved", "job_id", job.ID, "state", res.State)
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	jm.broadcaster.Broadcast(ProgressEvent{JobID: jobID, State: StateFailed, Error: err.Error(), Timestamp: endTime})
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	jm.broadcaster.Broadcast(ProgressEvent{JobID: jobID, State: StateCancelled, Timestamp: endTime})
	slog.Info("Job cancelled", "job_id", jobID)
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
