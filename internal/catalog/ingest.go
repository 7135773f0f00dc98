package catalog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"starbash/internal/errs"
	"starbash/internal/fsutil"
)

// AliasMap normalizes vendor-specific filter names to one canonical
// label (spec §6.1, supplemented from original_source's filtering.py).
type AliasMap map[string]string

// Normalize returns the canonical label for name, or name itself
// (lowercased, trimmed) when no alias applies.
func (a AliasMap) Normalize(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if canon, ok := a[key]; ok {
		return canon
	}
	return key
}

// Ingester scans a repository root for frames and upserts them into the
// Catalog, applying header extraction with sparse-header fallback
// inference (spec §6.1).
type Ingester struct {
	store   *Store
	aliases AliasMap
	log     *slog.Logger
}

// NewIngester builds an Ingester bound to store.
func NewIngester(store *Store, aliases AliasMap, log *slog.Logger) *Ingester {
	if aliases == nil {
		aliases = AliasMap{}
	}
	return &Ingester{store: store, aliases: aliases, log: log}
}

// Scan walks root, extracting each frame's metadata (header, falling
// back to layout inference) and upserting it under repoID. repoKind
// promotes a raw flat/dark/bias frame to its master-* kind when the
// owning repository is a master repository (spec §3.1's invariant: "an
// image is master-* iff it resides in a master repository or has
// stack-count > 1"). Idempotent: re-scanning the same files is a no-op
// in row count (spec §4.1).
func (ig *Ingester) Scan(root, repoID string, repoKind RepositoryKind) error {
	frames, err := fsutil.ListFrames(root)
	if err != nil {
		return err
	}
	for _, path := range frames {
		rec, ok := ig.extract(path, repoID, repoKind)
		if !ok {
			ig.log.Warn("dropping frame with unresolvable metadata", "path", path)
			continue
		}
		rec.Filter = ig.aliases.Normalize(rec.Filter)
		if err := ig.store.UpsertImage(rec); err != nil {
			if errs.Is(err, errs.ErrSchemaError) {
				ig.log.Warn("dropping frame", "path", path, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

// extract tries the primary FITS header source first, then the
// sparse-header layout fallback. ok is false when kind or observed-at
// remain unresolved after both attempts (spec §6.1).
func (ig *Ingester) extract(path, repoID string, repoKind RepositoryKind) (ImageRecord, bool) {
	rec, complete := readFITSHeader(path, repoID)
	if complete {
		return promoteMaster(rec, repoKind), true
	}
	if fallback, ok := inferFromLayout(path, repoID, rec); ok {
		return promoteMaster(fallback, repoKind), true
	}
	return rec, false
}

// promoteMaster applies the master-kind promotion to a raw flat/dark/
// bias record once its repository kind is known.
func promoteMaster(rec ImageRecord, repoKind RepositoryKind) ImageRecord {
	if rec.IsMaster(repoKind) {
		if mk := MasterKindFor(rec.Kind); mk != "" {
			rec.Kind = mk
		}
	}
	return rec
}

// readFITSHeader parses FITS 80-byte card records (keyword = value /
// comment) from the primary header unit. Returns a best-effort record
// and whether it already carries kind + observed-at.
func readFITSHeader(path, repoID string) (ImageRecord, bool) {
	rec := ImageRecord{Path: path, RepoID: repoID, StackCount: 1, Meta: map[string]any{}}

	f, err := os.Open(path)
	if err != nil {
		return rec, false
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 2880)
	card := make([]byte, 80)
	for {
		n, err := readFull(r, card)
		if n == 0 || err != nil {
			break
		}
		keyword := strings.TrimSpace(string(card[0:8]))
		if keyword == "END" {
			break
		}
		if len(card) < 10 || card[8] != '=' {
			continue
		}
		value := strings.TrimSpace(strings.SplitN(string(card[10:]), "/", 2)[0])
		value = strings.Trim(value, "'")
		value = strings.TrimSpace(value)
		rec.Meta[keyword] = value
		applyFITSKeyword(&rec, keyword, value)
	}

	return rec, rec.Kind != "" && !rec.ObservedAt.IsZero() && rec.Width > 0 && rec.Height > 0
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func applyFITSKeyword(rec *ImageRecord, keyword, value string) {
	switch keyword {
	case "IMAGETYP":
		rec.Kind = mapImageTypeKeyword(value)
	case "DATE-OBS":
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			rec.ObservedAt = t
		} else if t, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
			rec.ObservedAt = t.UTC()
		}
	case "EXPTIME", "EXPOSURE":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			rec.ExposureSec = f
		}
	case "GAIN":
		if i, err := strconv.Atoi(value); err == nil {
			rec.Gain = i
		}
	case "XBINNING":
		if i, err := strconv.Atoi(value); err == nil {
			rec.Binning = i
		}
	case "FILTER":
		rec.Filter = value
	case "OBJECT":
		rec.Target = value
	case "INSTRUME":
		rec.Instrument = value
	case "CAMERAID", "CAMERA":
		rec.CameraID = value
	case "NAXIS1":
		if i, err := strconv.Atoi(value); err == nil {
			rec.Width = i
		}
	case "NAXIS2":
		if i, err := strconv.Atoi(value); err == nil {
			rec.Height = i
		}
	case "BAYERPAT":
		rec.BayerPattern = value
	case "STACKCNT":
		if i, err := strconv.Atoi(value); err == nil {
			rec.StackCount = i
		}
	}
}

func mapImageTypeKeyword(v string) ImageKind {
	switch strings.ToLower(v) {
	case "light frame", "light":
		return KindLight
	case "flat frame", "flat":
		return KindFlat
	case "dark frame", "dark":
		return KindDark
	case "bias frame", "bias":
		return KindBias
	case "master flat", "master flat frame", "masterflat":
		return KindMasterFlat
	case "master dark", "master dark frame", "masterdark":
		return KindMasterDark
	case "master bias", "master bias frame", "masterbias":
		return KindMasterBias
	default:
		return ""
	}
}

// layoutSidecar mirrors the small JSON sidecar a capture-device layout
// ships alongside its calibration tree (spec §6.1, scenario 4).
type layoutSidecar struct {
	Target     string  `json:"target"`
	Instrument string  `json:"instrument"`
	CameraID   string  `json:"camera_id"`
	Gain       int     `json:"gain"`
	Binning    int     `json:"binning"`
	Exposure   float64 `json:"exposure"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	ObservedAt string  `json:"observed_at"`
}

var calibDirPattern = regexp.MustCompile(`(?i)(?:^|/)(bias|dark|flat|light)[s]?[_/]`)
var gainBinPattern = regexp.MustCompile(`(?i)gain_(\d+)_bin_(\d+)`)

// inferFromLayout derives missing fields from path components and a
// sidecar JSON when the directory tree matches a known capture-device
// layout, e.g. CALI_FRAME/bias/cam_0/bias_gain_2_bin_1.fits (spec §6.1).
func inferFromLayout(path, repoID string, base ImageRecord) (ImageRecord, bool) {
	rec := base
	rec.Path = path
	rec.RepoID = repoID
	if rec.StackCount == 0 {
		rec.StackCount = 1
	}
	if rec.Meta == nil {
		rec.Meta = map[string]any{}
	}

	normalized := filepath.ToSlash(path)
	if rec.Kind == "" {
		if m := calibDirPattern.FindStringSubmatch(normalized); m != nil {
			rec.Kind = mapImageTypeKeyword(m[1])
		}
	}
	if m := gainBinPattern.FindStringSubmatch(normalized); m != nil {
		if rec.Gain == 0 {
			if g, err := strconv.Atoi(m[1]); err == nil {
				rec.Gain = g
			}
		}
		if rec.Binning == 0 {
			if b, err := strconv.Atoi(m[2]); err == nil {
				rec.Binning = b
			}
		}
	}
	if camMatch := regexp.MustCompile(`(?i)cam_?(\w+)`).FindStringSubmatch(normalized); camMatch != nil && rec.CameraID == "" {
		rec.CameraID = "cam_" + camMatch[1]
	}

	sidecarPath := filepath.Join(filepath.Dir(path), "shot-info.json")
	if data, err := os.ReadFile(sidecarPath); err == nil {
		var sc layoutSidecar
		if json.Unmarshal(data, &sc) == nil {
			fillFromSidecar(&rec, sc)
		}
	}

	return rec, rec.Kind != "" && !rec.ObservedAt.IsZero()
}

func fillFromSidecar(rec *ImageRecord, sc layoutSidecar) {
	if rec.Target == "" {
		rec.Target = sc.Target
	}
	if rec.Instrument == "" {
		rec.Instrument = sc.Instrument
	}
	if rec.CameraID == "" {
		rec.CameraID = sc.CameraID
	}
	if rec.Gain == 0 {
		rec.Gain = sc.Gain
	}
	if rec.Binning == 0 {
		rec.Binning = sc.Binning
	}
	if rec.ExposureSec == 0 {
		rec.ExposureSec = sc.Exposure
	}
	if rec.Width == 0 {
		rec.Width = sc.Width
	}
	if rec.Height == 0 {
		rec.Height = sc.Height
	}
	if rec.ObservedAt.IsZero() && sc.ObservedAt != "" {
		if t, err := time.Parse(time.RFC3339, sc.ObservedAt); err == nil {
			rec.ObservedAt = t
		} else if t, err := time.Parse("2006-01-02", sc.ObservedAt); err == nil {
			rec.ObservedAt = t
		}
	}
}
