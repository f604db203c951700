package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simcalib/internal/server"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus mirrors the status response of the job server.
type jobStatus struct {
	Job                   server.Job `json:"job"`
	Elapsed               float64    `json:"elapsed"`
	EvaluationsPerSecond  float64    `json:"evaluationsPerSecond"`
	ResidualNormReduction *float64   `json:"residualNormReduction"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	base := strings.TrimRight(serverURL, "/")
	if len(args) == 0 {
		return listJobs(cmd.OutOrStdout(), base+"/api/v1/jobs")
	}
	jobID := args[0]
	return getJobStatus(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs/%s/status", base, jobID), jobID)
}

func getJSON(url string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var errNotFound = errors.New("not found")

func listJobs(w io.Writer, url string) error {
	var jobs []server.Job
	if err := getJSON(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	fmt.Fprintf(w, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(w, "Job ID: %s\n", job.ID)
		fmt.Fprintf(w, "  State: %s\n", job.State)
		if job.Config != nil {
			fmt.Fprintf(w, "  Config: %s\n", job.Config.Summary())
		}
		if job.FirstResidualNorm != nil && job.ResidualNorm != nil {
			fmt.Fprintf(w, "  Residual norm: %g -> %g\n", *job.FirstResidualNorm, *job.ResidualNorm)
		}
		fmt.Fprintln(w)
	}

	return nil
}

func getJobStatus(w io.Writer, url, jobID string) error {
	var status jobStatus
	if err := getJSON(url, &status); err != nil {
		if errors.Is(err, errNotFound) {
			return fmt.Errorf("job not found: %s", jobID)
		}
		return err
	}
	job := status.Job

	fmt.Fprintf(w, "Job: %s\n", job.ID)
	fmt.Fprintf(w, "State: %s\n", job.State)
	fmt.Fprintln(w)

	if job.Config != nil {
		fmt.Fprintln(w, "Configuration:")
		fmt.Fprintf(w, "  Name: %s\n", job.Config.Name)
		fmt.Fprintf(w, "  Model: %s\n", job.Config.Model.Kind)
		fmt.Fprintf(w, "  Optimizer: %s\n", job.Config.Optimizer.Kind)
		fmt.Fprintf(w, "  Max iterations: %d\n", job.Config.Optimizer.MaxIterations)
		fmt.Fprintf(w, "  Parallelism: %d\n", job.Config.Evaluator.Parallelism)
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Progress:")
	fmt.Fprintf(w, "  Optimizer state: %s", job.OptimizerState)
	if job.Phase != "" {
		fmt.Fprintf(w, " in %s", job.Phase)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Iterations: %d\n", job.Iterations)
	if job.FirstResidualNorm != nil {
		fmt.Fprintf(w, "  Initial residual norm: %g\n", *job.FirstResidualNorm)
	}
	if job.ResidualNorm != nil {
		fmt.Fprintf(w, "  Residual norm: %g\n", *job.ResidualNorm)
	}
	if status.ResidualNormReduction != nil {
		fmt.Fprintf(w, "  Reduction: %.3g\n", *status.ResidualNormReduction)
	}
	for i, name := range job.ParameterNames {
		if v, ok := job.Physical[name]; ok {
			fmt.Fprintf(w, "  %s = %g\n", name, v)
		} else if i < len(job.Parameters) {
			fmt.Fprintf(w, "  %s = %g (optimization space)\n", name, job.Parameters[i])
		}
	}

	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(w, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if status.EvaluationsPerSecond > 0 {
		fmt.Fprintf(w, "  Throughput: %.1f evaluations/sec\n", status.EvaluationsPerSecond)
	}

	if job.Reason != "" {
		fmt.Fprintf(w, "\nReason: %s\n", job.Reason)
	}
	if job.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", job.Error)
	}

	return nil
}
