// Package report exports analysis and build results as parquet tables and
// renders them as text trees.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/content-catalog/internal/analyze"
	"github.com/withObsrvr/content-catalog/internal/catalog"
	"github.com/withObsrvr/content-catalog/internal/planner"
)

// DuplicateRow is one row of the duplicate_dependencies table.
type DuplicateRow struct {
	SessionID   string    `parquet:"session_id"`
	Group       string    `parquet:"group"`
	Bundle      string    `parquet:"bundle"`
	AssetPath   string    `parquet:"asset_path"`
	GUID        string    `parquet:"guid"`
	GeneratedAt time.Time `parquet:"generated_at,timestamp(millisecond)"`
}

// TableName returns the canonical table name.
func (DuplicateRow) TableName() string { return "duplicate_dependencies" }

// BundleRow is one row of the bundles table.
type BundleRow struct {
	SessionID  string `parquet:"session_id"`
	Bundle     string `parquet:"bundle"`
	GroupGUID  string `parquet:"group_guid"`
	FileID     string `parquet:"file_id"`
	Hash       string `parquet:"hash"`
	Crc        uint32 `parquet:"crc"`
	Size       int64  `parquet:"size"`
	AssetCount int32  `parquet:"asset_count"`
	Reverted   bool   `parquet:"reverted"`
}

// TableName returns the canonical table name.
func (BundleRow) TableName() string { return "bundles" }

// ResultRow is one row of the analysis_results table.
type ResultRow struct {
	SessionID string `parquet:"session_id"`
	Rule      string `parquet:"rule"`
	Path      string `parquet:"path"`
	Severity  string `parquet:"severity"`
}

// TableName returns the canonical table name.
func (ResultRow) TableName() string { return "analysis_results" }

// DuplicateRows flattens a duplicate report.
func DuplicateRows(sessionID string, r *analyze.DuplicateReport, at time.Time) []DuplicateRow {
	if r == nil {
		return nil
	}
	rows := make([]DuplicateRow, 0, len(r.Records))
	for _, d := range r.Records {
		rows = append(rows, DuplicateRow{
			SessionID:   sessionID,
			Group:       d.Group,
			Bundle:      d.Bundle,
			AssetPath:   d.AssetPath,
			GUID:        d.GUID,
			GeneratedAt: at.UTC(),
		})
	}
	return rows
}

// BundleRows lists the bundle entries of a catalog in entry order. reverted
// holds the bundle names served from a previous build.
func BundleRows(sessionID string, entries []*catalog.Entry, plan *planner.Plan, reverted map[string]bool) []BundleRow {
	var rows []BundleRow
	for _, e := range entries {
		if e.Provider != catalog.AssetBundleProvider {
			continue
		}
		name := e.PrimaryKey().String()
		row := BundleRow{
			SessionID: sessionID,
			Bundle:    name,
			FileID:    e.InternalID,
			Reverted:  reverted[name],
		}
		if opts, ok := e.Data.(*catalog.BundleRequestOptions); ok {
			row.Hash = opts.Hash
			row.Crc = opts.Crc
			row.Size = opts.BundleSize
		}
		if plan != nil {
			row.GroupGUID = plan.BundleToGroup[name]
			if a, ok := plan.Assignment(name); ok {
				row.AssetCount = int32(len(a.AssetGUIDs))
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// ResultRows flattens analysis results keyed by rule id.
func ResultRows(sessionID string, results map[string][]analyze.Result) []ResultRow {
	var rows []ResultRow
	for rule, rs := range results {
		for _, r := range rs {
			rows = append(rows, ResultRow{
				SessionID: sessionID,
				Rule:      rule,
				Path:      r.String(),
				Severity:  r.Severity.String(),
			})
		}
	}
	return rows
}

// Options configures parquet output.
type Options struct {
	Compression string // "snappy" | "zstd" | "none"
}

func (o Options) writerOptions() ([]parquet.WriterOption, error) {
	switch strings.ToLower(o.Compression) {
	case "", "snappy":
		return []parquet.WriterOption{parquet.Compression(&parquet.Snappy)}, nil
	case "zstd":
		return []parquet.WriterOption{parquet.Compression(&parquet.Zstd)}, nil
	case "none":
		return []parquet.WriterOption{parquet.Compression(&parquet.Uncompressed)}, nil
	default:
		return nil, fmt.Errorf("unknown parquet compression: %s", o.Compression)
	}
}

// WriteParquet writes rows as one parquet file.
func WriteParquet[T any](w io.Writer, rows []T, opts Options) error {
	wo, err := opts.writerOptions()
	if err != nil {
		return err
	}
	if err := parquet.Write(w, rows, wo...); err != nil {
		return fmt.Errorf("write parquet: %w", err)
	}
	return nil
}
