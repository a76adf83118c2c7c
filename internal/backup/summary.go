package backup

import (
	"time"

	"github.com/alexjbarnes/timesync/internal/snapshot"
	"github.com/alexjbarnes/timesync/internal/tables"
)

// TableCount is the number of rows a dataset holds for one table.
type TableCount struct {
	Table   tables.Name `yaml:"table"`
	Records int         `yaml:"records"`
}

// Summary describes a dataset for operator review before a restore.
type Summary struct {
	Kind               snapshot.Kind `yaml:"kind"`
	CapturedAt         time.Time     `yaml:"captured_at"`
	Encrypted          bool          `yaml:"encrypted"`
	MergedIncrementals int           `yaml:"merged_incrementals"`
	TotalRecords       int           `yaml:"total_records"`
	Tables             []TableCount  `yaml:"tables"`
	Files              []string      `yaml:"files,omitempty"`
}

// Summarize counts snap's rows per table, in registry order. Only tables
// present in snap are listed.
func Summarize(snap *snapshot.Snapshot) Summary {
	s := Summary{
		Kind:         snap.Kind,
		CapturedAt:   snap.Timestamp,
		Encrypted:    snap.Metadata.Encrypted,
		TotalRecords: snap.Count(),
	}

	if snap.Metadata.MergedIncrementals != nil {
		s.MergedIncrementals = *snap.Metadata.MergedIncrementals
	}

	for _, spec := range tables.All() {
		rows, ok := snap.Tables[spec.Name]
		if !ok {
			continue
		}

		s.Tables = append(s.Tables, TableCount{Table: spec.Name, Records: len(rows)})
	}

	return s
}

// SummarizePlan is Summarize plus the files the plan read.
func SummarizePlan(p *Plan) Summary {
	s := Summarize(p.Merged)
	s.Files = p.Files

	return s
}
