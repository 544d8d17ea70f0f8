package cli

import (
	"fmt"
	"io"

	"github.com/studiowebux/stompload/internal/loadtest"
)

// ListRuns prints the most recent runs stored in dbPath.
// A filter or query projects the JSON listing instead.
func ListRuns(w io.Writer, dbPath string, limit int, format, filterExpr, queryExpr string) error {
	if err := ValidateProjection(filterExpr, queryExpr); err != nil {
		return err
	}
	mgr, err := loadtest.NewManager(dbPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	runs, err := mgr.ListRuns(limit)
	if err != nil {
		return err
	}

	if runs == nil {
		runs = []*loadtest.Run{}
	}

	var output string
	if filterExpr != "" || queryExpr != "" {
		output, err = Project(runs, filterExpr, queryExpr)
	} else {
		output, err = FormatRuns(runs, format)
	}
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = fmt.Fprint(w, output)
	return err
}

// ShowRun prints one stored run with its phases
func ShowRun(w io.Writer, dbPath string, id int64, format, filterExpr, queryExpr string) error {
	if err := ValidateProjection(filterExpr, queryExpr); err != nil {
		return err
	}
	mgr, err := loadtest.NewManager(dbPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	run, err := mgr.GetRun(id)
	if err != nil {
		return err
	}

	var output string
	if filterExpr != "" || queryExpr != "" {
		output, err = Project(run, filterExpr, queryExpr)
	} else {
		output, err = FormatRun(run, format)
	}
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = fmt.Fprint(w, output)
	return err
}

// DeleteRun removes a stored run and its phases
func DeleteRun(dbPath string, id int64) error {
	mgr, err := loadtest.NewManager(dbPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	return mgr.DeleteRun(id)
}
