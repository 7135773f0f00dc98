// Package executor implements the Incremental Executor (spec §4.6's
// execution phase and §4.8's up-to-date check): a signature-cached,
// worker-pool dispatcher over a graph.Graph, grounded on the teacher's
// internal/pipeline.Pipeline worker loop.
package executor

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"starbash/internal/graph"
)

// SignatureStore persists each task's last-run content signature so a
// later build can skip tasks whose inputs, parameters, and tool
// identity haven't changed (spec §4.8: "up-to-date ... if the task's
// signature ... matches the last recorded signature for that task
// name and all declared outputs already exist").
type SignatureStore struct {
	db *sql.DB
}

// OpenSignatureStore opens (or creates) the signature cache database
// at path, a sibling of the per-target cache root per SPEC_FULL.md's
// domain-stack wiring for github.com/mattn/go-sqlite3.
func OpenSignatureStore(path string) (*SignatureStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS signatures (
		task_name TEXT PRIMARY KEY,
		signature TEXT NOT NULL,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SignatureStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SignatureStore) Close() error { return s.db.Close() }

// Get returns the last recorded signature for taskName, or "" if none.
func (s *SignatureStore) Get(taskName string) (string, error) {
	var sig string
	err := s.db.QueryRow(`SELECT signature FROM signatures WHERE task_name = ?`, taskName).Scan(&sig)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sig, nil
}

// Put records sig as taskName's current signature.
func (s *SignatureStore) Put(taskName, sig string) error {
	_, err := s.db.Exec(`INSERT INTO signatures (task_name, signature, recorded_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(task_name) DO UPDATE SET signature = excluded.signature, recorded_at = CURRENT_TIMESTAMP`,
		taskName, sig)
	return err
}

// Signature computes a task's content signature: a hash of its
// resolved inputs' size+mtime, its parameters, its tool identity, and
// its declared outputs (spec §4.8). Inputs that don't exist on disk
// yet (an upstream task not yet run) contribute their path alone, so
// the signature still changes once that upstream produces real bytes.
func Signature(t *graph.Task) string {
	h := sha256.New()
	fmt.Fprintf(h, "stage=%s|tool=%s|script=%s|scriptfile=%s\n", t.StageName, t.ToolKind, t.Script, t.ScriptFile)

	inputs := append([]string{}, t.Inputs...)
	sort.Strings(inputs)
	for _, in := range inputs {
		fmt.Fprintf(h, "in=%s;%s\n", in, statFingerprint(in))
	}

	outputs := append([]string{}, t.Outputs...)
	sort.Strings(outputs)
	for _, out := range outputs {
		fmt.Fprintf(h, "out=%s\n", out)
	}

	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "param=%s=%s\n", k, t.Params[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}

// statFingerprint stands in for a content digest: size+mtime rather
// than hashing the file's bytes.
func statFingerprint(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "absent"
	}
	return fmt.Sprintf("%d;%d", info.Size(), info.ModTime().UnixNano())
}

// UpToDate reports whether t's current signature matches the last
// recorded one for its name and every declared output still exists.
func (s *SignatureStore) UpToDate(t *graph.Task) (bool, error) {
	for _, out := range t.Outputs {
		if _, err := os.Stat(out); err != nil {
			return false, nil
		}
	}
	prev, err := s.Get(t.Name)
	if err != nil {
		return false, err
	}
	return prev != "" && prev == Signature(t), nil
}
