// Package persist stores routing state across restarts.
//
// Monotonic instants are written as wall-clock unix seconds and converted
// back against the current process clock on load.
package persist

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/dtn/sdnv"
	"github.com/nmxmxh/inos_dtn/internal/routing/ack"
	"github.com/nmxmxh/inos_dtn/internal/routing/prophet"
	"github.com/nmxmxh/inos_dtn/internal/timebase"
)

const (
	PredictabilityFile   = "predictability.dat"
	AcknowledgementsFile = "acknowledgements.dat"
	AgesFile             = "ages.dat"

	maxEntries   = 1 << 20
	maxFloatText = 64
)

// Store reads and writes state files in one directory.
type Store struct {
	dir   string
	clock *timebase.Clock
}

// New creates dir if needed.
func New(dir string, clock *timebase.Clock) (*Store, error) {
	if dir == "" {
		return nil, dtn.ErrConfig("persistence.dir", errors.New("empty"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	return &Store{dir: dir, clock: clock}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) toUnix(mono time.Duration) uint64 {
	return uint64(max(s.clock.ToWall(mono).Unix(), 0))
}

func (s *Store) fromUnix(sec uint64) time.Duration {
	return s.clock.FromWall(time.Unix(int64(sec), 0))
}

// SavePredictability writes
// V(wall_last_aging) V(count) {String(eid) V(len) float_text}*count.
func (s *Store) SavePredictability(lastAging time.Duration, entries []prophet.Entry) error {
	var buf bytes.Buffer
	_ = sdnv.Write(&buf, s.toUnix(lastAging))
	_ = sdnv.Write(&buf, uint64(len(entries)))
	for _, e := range entries {
		_ = sdnv.WriteString(&buf, string(e.Peer))
		_ = sdnv.WriteString(&buf, strconv.FormatFloat(float64(e.Value), 'g', -1, 32))
	}
	return writeAtomic(s.path(PredictabilityFile), buf.Bytes())
}

// LoadPredictability returns dtn.ErrNotFound when nothing was saved.
func (s *Store) LoadPredictability() (time.Duration, []prophet.Entry, error) {
	r, err := s.open(PredictabilityFile)
	if err != nil {
		return 0, nil, err
	}
	wall, entries, err := DecodePredictability(r)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", PredictabilityFile, err)
	}
	return s.fromUnix(wall), entries, nil
}

// DecodePredictability parses a predictability file, returning the last
// aging instant as unix seconds.
func DecodePredictability(r *bytes.Reader) (uint64, []prophet.Entry, error) {
	wall, err := sdnv.Read(r)
	if err != nil {
		return 0, nil, err
	}
	n, err := readCount(r)
	if err != nil {
		return 0, nil, err
	}
	entries := make([]prophet.Entry, 0, min(n, 1024))
	for i := uint64(0); i < n; i++ {
		eid, err := sdnv.ReadString(r, dtn.MaxEIDLength)
		if err != nil {
			return 0, nil, fmt.Errorf("entry %d: %w", i, err)
		}
		text, err := sdnv.ReadString(r, maxFloatText)
		if err != nil {
			return 0, nil, fmt.Errorf("entry %d: %w", i, err)
		}
		v, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return 0, nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, prophet.Entry{Peer: dtn.EID(eid), Value: float32(v)})
	}
	return wall, entries, trailing(r)
}

// SaveAcknowledgements writes V(count) {BundleID V(expire)}*count.
func (s *Store) SaveAcknowledgements(entries []ack.Entry) error {
	return writeAtomic(s.path(AcknowledgementsFile), ack.Marshal(entries))
}

// LoadAcknowledgements reads the acknowledgement file. A missing file yields
// dtn.ErrNotFound.
func (s *Store) LoadAcknowledgements() ([]ack.Entry, error) {
	r, err := s.open(AcknowledgementsFile)
	if err != nil {
		return nil, err
	}
	entries, err := ack.Decode(r)
	if err == nil {
		err = trailing(r)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", AcknowledgementsFile, err)
	}
	return entries, nil
}

// SaveAges writes V(count) {String(eid) V(wall_unix)}*count.
func (s *Store) SaveAges(entries []prophet.AgeEntry) error {
	var buf bytes.Buffer
	_ = sdnv.Write(&buf, uint64(len(entries)))
	for _, e := range entries {
		_ = sdnv.WriteString(&buf, string(e.Peer))
		_ = sdnv.Write(&buf, s.toUnix(e.At))
	}
	return writeAtomic(s.path(AgesFile), buf.Bytes())
}

// LoadAges reads the encounter log and converts it to monotonic time.
func (s *Store) LoadAges() ([]prophet.AgeEntry, error) {
	r, err := s.open(AgesFile)
	if err != nil {
		return nil, err
	}
	raw, err := DecodeAges(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", AgesFile, err)
	}
	out := make([]prophet.AgeEntry, len(raw))
	for i, e := range raw {
		out[i] = prophet.AgeEntry{Peer: e.Peer, At: s.fromUnix(e.Unix)}
	}
	return out, nil
}

// WallAge is an age entry as stored on disk.
type WallAge struct {
	Peer dtn.EID
	Unix uint64
}

func DecodeAges(r *bytes.Reader) ([]WallAge, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	out := make([]WallAge, 0, min(n, 1024))
	for i := uint64(0); i < n; i++ {
		eid, err := sdnv.ReadString(r, dtn.MaxEIDLength)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		sec, err := sdnv.Read(r)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, WallAge{Peer: dtn.EID(eid), Unix: sec})
	}
	return out, trailing(r)
}

func (s *Store) open(name string) (*bytes.Reader, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, dtn.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func readCount(r *bytes.Reader) (uint64, error) {
	n, err := sdnv.Read(r)
	if err != nil {
		return 0, err
	}
	if n > maxEntries {
		return 0, fmt.Errorf("%d entries: %w", n, sdnv.ErrTooLarge)
	}
	return n, nil
}

func trailing(r *bytes.Reader) error {
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes", r.Len())
	}
	return nil
}

// writeAtomic replaces path so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
