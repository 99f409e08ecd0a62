package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"sleepstager/internal/failure"
	"sleepstager/internal/runstate"
)

// Report is the stored outcome of one run, as printed by --report.
type Report struct {
	Dir         string              `json:"dir"`
	Run         runstate.Run        `json:"run"`
	Failures    []failure.Record    `json:"failures"`
	Predictions map[string][]string `json:"predictions,omitempty"`
}

// ReportLatest selects the most recent run.
const ReportLatest = "latest"

// WriteReport loads the run named by inv.Report from the run store under
// WorkDir and writes it to w as indented JSON. A run without predictions
// is reported without them.
func WriteReport(inv Invocation, w io.Writer) (Result, error) {
	res := Result{ExitCode: ExitInternalError}
	st, err := runstate.NewStore(inv.WorkDir)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	id := inv.Report
	if id == ReportLatest {
		if id, err = st.LatestRunID(); err != nil {
			res.ExitCode = ExitRunFailure
			return res, err
		}
	}
	res.RunID = id

	rep := Report{Dir: st.RunDir(id)}
	if rep.Run, err = st.LoadRun(id); err != nil {
		res.ExitCode = ExitRunFailure
		return res, fmt.Errorf("load run %s: %w", id, err)
	}
	if rep.Failures, err = st.LoadFailures(id); err != nil {
		res.ExitCode = ExitRunFailure
		return res, fmt.Errorf("load failures of run %s: %w", id, err)
	}
	rep.Predictions, err = st.LoadPredictions(id)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		res.ExitCode = ExitRunFailure
		return res, fmt.Errorf("load predictions of run %s: %w", id, err)
	}
	res.Run = rep.Run
	res.Failures = rep.Failures

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return res, err
	}
	res.ExitCode = ExitSuccess
	return res, nil
}
