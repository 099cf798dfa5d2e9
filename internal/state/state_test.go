package state

import (
	"path/filepath"
	"testing"

	"github.com/yourname/smsvault/internal/record"
)

func TestWatermarkMonotonic(t *testing.T) {
	st := &State{MaxSynced: map[string]int64{}}
	if got := st.GetMaxSynced(record.SMS); got != NeverSynced {
		t.Fatalf("expected %d, got %d", NeverSynced, got)
	}
	st.SetMaxSynced(record.SMS, 10)
	st.SetMaxSynced(record.SMS, 5)
	st.SetMaxSynced(record.SMS, 15)
	if got := st.GetMaxSynced(record.SMS); got != 15 {
		t.Fatalf("expected 15, got %d", got)
	}
	// Types do not share watermarks.
	if got := st.GetMaxSynced(record.MMS); got != NeverSynced {
		t.Fatalf("expected %d, got %d", NeverSynced, got)
	}
}

func TestFirstBackup(t *testing.T) {
	st := &State{MaxSynced: map[string]int64{}}
	if !st.FirstBackup() {
		t.Fatal("fresh state should report first backup")
	}
	// The sentinel counts as a written watermark.
	st.SetMaxSynced(record.SMS, NeverSynced)
	if st.FirstBackup() {
		t.Fatal("state with a watermark key should not report first backup")
	}
}

func TestLoadSaveRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	st.SetMaxSynced(record.CallLog, 42)
	ref := st.ReferenceToken()
	if err := st.Save(path); err != nil {
		t.Fatal(err)
	}

	st2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := st2.GetMaxSynced(record.CallLog); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := st2.ReferenceToken(); got != ref {
		t.Fatalf("reference token changed across reload: %q vs %q", got, ref)
	}
}

func TestReferenceToken(t *testing.T) {
	st := &State{MaxSynced: map[string]int64{}}
	ref := st.ReferenceToken()
	if len(ref) != referenceLength {
		t.Fatalf("expected %d chars, got %d", referenceLength, len(ref))
	}
	for _, r := range ref {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z') {
			t.Fatalf("unexpected character %q", r)
		}
	}
	if st.ReferenceToken() != ref {
		t.Fatal("token should be stable once generated")
	}
}
