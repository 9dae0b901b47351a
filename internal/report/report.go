// Package report renders a finished speed test for people and files.
package report

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/renameio/v2"

	"github.com/NodePath81/fbspeed/internal/engine"
	"github.com/NodePath81/fbspeed/internal/rating"
	"github.com/NodePath81/fbspeed/internal/util"
)

// WriteText prints the result block with ratings.
func WriteText(w io.Writer, rep engine.Report) error {
	r := rep.Result
	lines := []string{
		"",
		"Test Results:",
		fmt.Sprintf("  Download:  %-10s %s", util.FormatMbps(r.Download), label(rep.Ratings.Download)),
		fmt.Sprintf("  Upload:    %-10s %s", util.FormatMbps(r.Upload), label(rep.Ratings.Upload)),
		fmt.Sprintf("  Ping:      %-10s %s", fmt.Sprintf("%.0f ms", r.Ping), label(rep.Ratings.Ping)),
		fmt.Sprintf("  Jitter:    %.0f ms", r.Jitter),
		"",
		"Connection:",
		fmt.Sprintf("  IP:        %s", r.IP),
		fmt.Sprintf("  ISP:       %s", r.ISP),
		fmt.Sprintf("  Location:  %s", location(r)),
		fmt.Sprintf("  Server:    %s", r.Server),
		"",
		fmt.Sprintf("Run %s at %s (%.1fs)", r.RunID, r.Timestamp, r.CalculationTime),
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// EncodeJSON writes rep as indented JSON.
func EncodeJSON(w io.Writer, rep engine.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// WriteJSON replaces path with rep. Readers see either the old file or the
// complete new one.
func WriteJSON(path string, rep engine.Report) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending report file: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()
	if err := EncodeJSON(pending, rep); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace report file: %w", err)
	}
	return nil
}

func label(d rating.Descriptor) string {
	if d.Label == "" {
		return ""
	}
	return "(" + d.Label + ")"
}

func location(r engine.Result) string {
	loc := r.City
	if r.Region != "" && r.Region != r.City {
		loc += ", " + r.Region
	}
	if r.Country != "" {
		loc += ", " + r.Country
	}
	if r.CountryCode != "" {
		loc += " (" + r.CountryCode + ")"
	}
	return loc
}
