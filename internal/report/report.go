// Package report writes cycle summaries as JSON lines.
//
// Each line is signed with HMAC-SHA256 when a secret key is configured, so a
// report file copied off the lab host can be checked for tampering.
package report

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/softcane/vsf-optimizer/internal/controller"
)

// Record is one line of a report file.
type Record struct {
	FarmID    string                  `json:"farm_id"`
	WrittenAt time.Time               `json:"written_at"`
	Cycle     controller.CycleSummary `json:"cycle"`
	Signature string                  `json:"signature,omitempty"`
}

// Config for the Writer
type Config struct {
	SecretKey string // HMAC key for signing records; empty disables signing
	FarmID    string // identifies the farm in every record
}

// Writer appends signed cycle records to an io.Writer. It implements
// controller.Reporter.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter creates a Writer on w.
func NewWriter(w io.Writer, config Config, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{w: w, config: config, logger: logger, now: time.Now}
}

// Open creates a Writer appending to the file at path. "-" writes to stdout.
func Open(path string, config Config, logger *slog.Logger) (*Writer, error) {
	if path == "-" {
		return NewWriter(os.Stdout, config, logger), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open report file: %w", err)
	}
	w := NewWriter(f, config, logger)
	w.closer = f
	return w, nil
}

// Report implements controller.Reporter.
func (w *Writer) Report(_ context.Context, s controller.CycleSummary) error {
	rec := Record{
		FarmID:    w.config.FarmID,
		WrittenAt: w.now().UTC(),
		Cycle:     s,
	}
	sig, err := sign(rec, w.config.SecretKey)
	if err != nil {
		return err
	}
	rec.Signature = sig

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode report record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("write report record: %w", err)
	}

	w.logger.Debug("wrote cycle report",
		"cycle_id", s.CycleID,
		"state", s.State,
		"signed", rec.Signature != "",
	)
	return nil
}

// Close closes the underlying file, if the Writer opened one.
func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

// Verify checks the signature of r against key. Unsigned records never verify.
func Verify(r Record, key string) bool {
	if r.Signature == "" || key == "" {
		return false
	}
	expected, err := sign(r, key)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(r.Signature))
}

// sign creates the HMAC-SHA256 signature of r with its signature cleared.
func sign(r Record, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	r.Signature = ""
	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode record for signing: %w", err)
	}
	h := hmac.New(sha256.New, []byte(key))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadAll decodes every record of a report stream.
func ReadAll(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	return out, nil
}
