// Package archive persists raw forge exchanges to disk before anything
// processes them. Records are content-addressed by a request fingerprint
// and written atomically, so re-runs and crashed runs never leave partial
// JSON behind.
package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Record is the archived shape of a single HTTP attempt. Request headers
// are stored with the Authorization header removed.
type Record struct {
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at"`
	Request    RecordRequest  `json:"request"`
	Response   RecordResponse `json:"response"`
	Meta       RecordMeta     `json:"meta"`
}

type RecordRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

type RecordResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	JSON    any               `json:"json"`
}

type RecordMeta struct {
	Tag                string `json:"tag"`
	RequestFingerprint string `json:"request_fingerprint"`
	Attempt            int    `json:"attempt"`
}

// Store writes and reads raw records under root/raw_http/{tag}/.
type Store struct {
	root string
}

// NewStore creates a Store rooted at dir. The directory tree is created
// lazily on first write.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the output directory the store writes under.
func (s *Store) Root() string { return s.root }

// Fingerprint derives the content address of a request: the first 16 hex
// characters of the SHA-256 of the canonical JSON of method, url, redacted
// headers and body. The Authorization header never participates.
func Fingerprint(method, url string, headers map[string]string, body any) string {
	canonical := map[string]any{
		"method":  method,
		"url":     url,
		"headers": StripAuth(headers),
		"body":    body,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// map keys marshal in sorted order, which keeps the digest stable
	if err := enc.Encode(canonical); err != nil {
		// canonical value is built from plain maps and decoded JSON,
		// so encoding cannot fail in practice
		return ""
	}
	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// StripAuth returns a copy of headers with the Authorization header
// removed. The original map is not modified.
func StripAuth(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.EqualFold(k, "Authorization") {
			continue
		}
		out[k] = v
	}
	return out
}

// RecordPath returns the on-disk path for a record.
func (s *Store) RecordPath(tag, fingerprint string, attempt int) string {
	return filepath.Join(s.root, "raw_http", tag, fmt.Sprintf("%s_a%d.json", fingerprint, attempt))
}

// WriteRecord persists one attempt. The write is atomic: a .tmp file is
// fully written and fsynced, then renamed into place.
func (s *Store) WriteRecord(rec *Record) (string, error) {
	path := s.RecordPath(rec.Meta.Tag, rec.Meta.RequestFingerprint, rec.Meta.Attempt)
	if err := writeJSONAtomic(path, rec); err != nil {
		return "", fmt.Errorf("archive: write record %s: %w", rec.Meta.Tag, err)
	}
	return path, nil
}

// WriteManifest writes a run-level manifest such as run.json or
// run_finished.json at the root of the output directory.
func (s *Store) WriteManifest(name string, payload any) error {
	if err := writeJSONAtomic(filepath.Join(s.root, name), payload); err != nil {
		return fmt.Errorf("archive: write manifest %s: %w", name, err)
	}
	return nil
}

// ReadRecord loads a single archived record.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archive: read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("archive: decode record %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// Walk visits every archived record under raw_http in lexical path order.
// Unreadable or non-record JSON files are skipped.
func (s *Store) Walk(fn func(path string, rec *Record) error) error {
	base := filepath.Join(s.root, "raw_http")
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return fmt.Errorf("archive: raw_http dir not found: %s", base)
	}
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		rec, rerr := ReadRecord(path)
		if rerr != nil {
			return nil
		}
		return fn(path, rec)
	})
}

// RunManifest is the shape of run.json, written when an ingest run starts.
type RunManifest struct {
	StartedAt string         `json:"started_at"`
	Repo      string         `json:"repo"`
	Window    map[string]any `json:"window"`
	Args      map[string]any `json:"args"`
}

// RunFinished is the shape of run_finished.json.
type RunFinished struct {
	FinishedAt        string `json:"finished_at"`
	HydratedItemCount int    `json:"hydrated_item_count"`
}

// NowUTC formats the current time the way archived records store
// timestamps.
func NowUTC() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

func writeJSONAtomic(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
