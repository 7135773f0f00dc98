package catalog

import (
	"fmt"

	"starbash/internal/errs"
)

// sessionKey groups images sharing the dimensions a SessionRow must be
// uniform over (spec §3.1's SessionRow invariant).
type sessionKey struct {
	target, instrument, filter, date string
	kind                              ImageKind
	exposureSec                      float64
	gain, binning                    int
	width, height                    int
}

func firstBayerPattern(imgs []ImageRecord) string {
	for _, img := range imgs {
		if img.BayerPattern != "" {
			return img.BayerPattern
		}
	}
	return ""
}

// RebuildSessions recomputes the sessions table from images (spec
// §4.1). Fails with ErrInconsistentSession if a candidate session would
// mix distinct exposure/gain/binning/filter/kind/dimensions — which
// cannot happen by construction here since sessionKey already carries
// every one of those fields, but the check is kept explicit because a
// future grouping change must not silently violate the invariant.
func (s *Store) RebuildSessions() error {
	rows, err := s.DB.Query(`SELECT ` + imageColumns + ` FROM images;`)
	if err != nil {
		return err
	}
	defer rows.Close()

	groups := map[sessionKey][]ImageRecord{}
	for rows.Next() {
		rec, err := scanImage(rows)
		if err != nil {
			return err
		}
		key := sessionKey{
			target:      rec.Target,
			instrument:  rec.Instrument,
			filter:      rec.Filter,
			date:        rec.ObservedAt.Format("2006-01-02"),
			kind:        rec.Kind,
			exposureSec: rec.ExposureSec,
			gain:        rec.Gain,
			binning:     rec.Binning,
			width:       rec.Width,
			height:      rec.Height,
		}
		groups[key] = append(groups[key], rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions;`); err != nil {
		tx.Rollback()
		return err
	}

	for key, imgs := range groups {
		if err := validateHomogeneous(key, imgs); err != nil {
			tx.Rollback()
			return err
		}
		row := aggregateSession(key, imgs)
		if _, err := tx.Exec(`INSERT INTO sessions
			(id, target, instrument, filter, kind, date, exposure_sec, gain, binning, camera_id,
			 width, height, frame_count, total_exp_sec, start_at, end_at, from_masters, bayer_pattern)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);`,
			row.ID, row.Target, row.Instrument, row.Filter, string(row.Kind), row.Date,
			row.ExposureSec, row.Gain, row.Binning, row.CameraID, row.Width, row.Height,
			row.FrameCount, row.TotalExpSec, row.StartAt, row.EndAt, row.FromMasters, row.BayerPattern); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func validateHomogeneous(key sessionKey, imgs []ImageRecord) error {
	for _, img := range imgs {
		if img.ExposureSec != key.exposureSec || img.Gain != key.gain || img.Binning != key.binning ||
			img.Filter != key.filter || img.Kind != key.kind || img.Width != key.width || img.Height != key.height {
			return errs.Wrap(errs.ErrInconsistentSession,
				fmt.Sprintf("session candidate for target=%s date=%s mixes incompatible frames", key.target, key.date))
		}
	}
	return nil
}

func aggregateSession(key sessionKey, imgs []ImageRecord) SessionRow {
	row := SessionRow{
		ID:          sessionID(key),
		Target:      key.target,
		Instrument:  key.instrument,
		Filter:      key.filter,
		Kind:        key.kind,
		Date:        key.date,
		ExposureSec: key.exposureSec,
		Gain:        key.gain,
		Binning:     key.binning,
		Width:       key.width,
		Height:      key.height,
		FrameCount:   len(imgs),
		FromMasters:  key.kind.IsMaster(),
		BayerPattern: firstBayerPattern(imgs),
	}
	for i, img := range imgs {
		row.TotalExpSec += img.ExposureSec
		row.CameraID = img.CameraID
		if i == 0 || img.ObservedAt.Before(row.StartAt) {
			row.StartAt = img.ObservedAt
		}
		if i == 0 || img.ObservedAt.After(row.EndAt) {
			row.EndAt = img.ObservedAt
		}
	}
	return row
}

func sessionID(key sessionKey) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s_%ds_g%d_b%d",
		key.target, key.instrument, key.filter, key.kind, key.date, int(key.exposureSec), key.gain, key.binning)
}
