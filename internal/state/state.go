package state

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"sync"

	"github.com/yourname/smsvault/internal/record"
)

// NeverSynced is the watermark sentinel for a type that has never been
// backed up.
const NeverSynced int64 = -1

const referenceLength = 24

// State is the durable sync state: one monotonic watermark per data type
// (milliseconds since epoch) plus the per-install reference token used
// for thread grouping. Saved as JSON.
type State struct {
	mu   sync.Mutex
	path string
	// MaxSynced maps a watermark key to the newest timestamp confirmed
	// written. Key presence distinguishes "never ran" from "ran and
	// found nothing".
	MaxSynced map[string]int64 `json:"max_synced"`
	// Reference is the per-install random token.
	Reference string `json:"reference_token"`
}

func Load(path string) (*State, error) {
	st := &State{path: path, MaxSynced: make(map[string]int64)}
	if path == "" {
		return st, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, st); err != nil {
		return nil, err
	}
	if st.MaxSynced == nil {
		st.MaxSynced = make(map[string]int64)
	}
	return st, nil
}

// Path returns the file the state was loaded from, "" for in-memory
// state.
func (s *State) Path() string { return s.path }

func (s *State) Save(path string) error {
	if path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// GetMaxSynced returns the watermark for a type, NeverSynced when unset.
func (s *State) GetMaxSynced(t record.DataType) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.MaxSynced[record.InfoFor(t).WatermarkKey]; ok {
		return ts
	}
	return NeverSynced
}

// SetMaxSynced advances the watermark for a type. Watermarks only move
// forward; a smaller value is ignored once a key exists.
func (s *State) SetMaxSynced(t record.DataType, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := record.InfoFor(t).WatermarkKey
	if cur, ok := s.MaxSynced[key]; !ok || ts > cur {
		s.MaxSynced[key] = ts
	}
}

// FirstBackup reports whether no backup has ever completed: no watermark
// key has been written for any type.
func (s *State) FirstBackup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range record.BackupOrder {
		if _, ok := s.MaxSynced[record.InfoFor(t).WatermarkKey]; ok {
			return false
		}
	}
	return true
}

// ReferenceToken returns the install token, generating and storing one on
// first use.
func (s *State) ReferenceToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Reference == "" {
		s.Reference = generateReference()
	}
	return s.Reference
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func generateReference() string {
	max := big.NewInt(int64(len(base36)))
	b := make([]byte, referenceLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			panic(err)
		}
		b[i] = base36[n.Int64()]
	}
	return string(b)
}
