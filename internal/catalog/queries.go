package catalog

import (
	"database/sql"
	"strings"
	"time"
)

// Query is the predicate dictionary produced by Selection.ToQueryConditions
// (spec §4.3) and consumed by SearchSessions.
type Query struct {
	Targets     []string
	Instruments []string
	Filters     []string
	Kinds       []ImageKind
	After       *time.Time
	Before      *time.Time
}

func (q Query) isEmpty() bool {
	return len(q.Targets) == 0 && len(q.Instruments) == 0 && len(q.Filters) == 0 &&
		len(q.Kinds) == 0 && q.After == nil && q.Before == nil
}

// SearchSessions returns sessions matching the selection, restricted to
// kind. When kind is light, sessions aggregated from master repositories
// are excluded (spec §4.1).
func (s *Store) SearchSessions(q Query, kind ImageKind) ([]SessionRow, error) {
	var clauses []string
	var args []any

	clauses = append(clauses, "kind = ?")
	args = append(args, string(kind))

	if kind == KindLight {
		clauses = append(clauses, "from_masters = 0")
	}
	if len(q.Targets) > 0 {
		clauses = append(clauses, inClause("target", len(q.Targets)))
		for _, t := range q.Targets {
			args = append(args, normalizeLabel(t))
		}
	}
	if len(q.Instruments) > 0 {
		clauses = append(clauses, inClause("instrument", len(q.Instruments)))
		for _, v := range q.Instruments {
			args = append(args, normalizeLabel(v))
		}
	}
	if len(q.Filters) > 0 {
		clauses = append(clauses, inClause("filter", len(q.Filters)))
		for _, v := range q.Filters {
			args = append(args, normalizeLabel(v))
		}
	}
	if q.After != nil {
		clauses = append(clauses, "start_at >= ?")
		args = append(args, *q.After)
	}
	if q.Before != nil {
		clauses = append(clauses, "start_at <= ?")
		args = append(args, *q.Before)
	}

	query := `SELECT id, target, instrument, filter, kind, date, exposure_sec, gain, binning, camera_id,
		width, height, frame_count, total_exp_sec, start_at, end_at, from_masters, bayer_pattern FROM sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY target, date;"

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		var kindStr string
		var bayer sql.NullString
		if err := rows.Scan(&row.ID, &row.Target, &row.Instrument, &row.Filter, &kindStr, &row.Date,
			&row.ExposureSec, &row.Gain, &row.Binning, &row.CameraID, &row.Width, &row.Height,
			&row.FrameCount, &row.TotalExpSec, &row.StartAt, &row.EndAt, &row.FromMasters, &bayer); err != nil {
			return nil, err
		}
		row.Kind = ImageKind(kindStr)
		row.BayerPattern = bayer.String
		out = append(out, row)
	}
	return out, rows.Err()
}

// CandidateQuery parameterizes FindCandidates (spec §4.1, consumed by C4).
type CandidateQuery struct {
	Kind        ImageKind
	CameraID    string
	Instrument  string
	Filter      string
	Width       int
	Height      int
	Gain        int
	Binning     int
	ExposureSec float64
	TakenBefore time.Time // light session's instant plus grace window
}

// FindCandidates returns the candidate set consumed by the Calibration
// Selector (spec §4.1). Hard filtering beyond this loose SQL-level
// narrowing (exposure tolerance, grace window edge cases) is performed
// by the Calibration Selector itself; this only avoids scanning frames
// that are trivially unusable (wrong kind, captured after the cutoff).
func (s *Store) FindCandidates(q CandidateQuery) ([]ImageRecord, error) {
	rows, err := s.DB.Query(`SELECT `+imageColumns+` FROM images WHERE kind = ? AND width = ? AND height = ? AND observed_at <= ?;`,
		string(q.Kind), q.Width, q.Height, q.TakenBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ImageRecord
	for rows.Next() {
		rec, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func inClause(col string, n int) string {
	placeholders := strings.Repeat("?,", n)
	placeholders = strings.TrimSuffix(placeholders, ",")
	return col + " IN (" + placeholders + ")"
}
