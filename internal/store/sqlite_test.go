package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shortontech/fingerprintd/internal/feature"
)

func openTestSQLite(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fingerprints.db")
	s, err := OpenSQLite(context.Background(), path, "")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func appendObs(t *testing.T, s Store, obs Observation) {
	t.Helper()
	ctx := context.Background()
	h, err := s.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer h.Close()
	if err := h.Append(ctx, obs); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
}

func latest(t *testing.T, s Store) []Latest {
	t.Helper()
	ctx := context.Background()
	h, err := s.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer h.Close()
	rows, err := h.LatestPerIdentity(ctx)
	if err != nil {
		t.Fatalf("LatestPerIdentity() error = %v", err)
	}
	return rows
}

func TestSQLiteLatestPerIdentity(t *testing.T) {
	s, _ := openTestSQLite(t)

	if rows := latest(t, s); len(rows) != 0 {
		t.Fatalf("fresh store returned %d rows", len(rows))
	}

	appendObs(t, s, Observation{Identity: "a", Stable: feature.Set{"k": "a1"}, Noise: feature.NoiseReport{"Canvas": true}})
	appendObs(t, s, Observation{Identity: "b", Stable: feature.Set{"k": "b1"}})
	appendObs(t, s, Observation{Identity: "a", Stable: feature.Set{"k": "a2", "n": 24.0}, Unstable: feature.Set{"電池 API": "80%"}})

	rows := latest(t, s)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	// ordered by newest row id: b (2) before a (3)
	if rows[0].Identity != "b" || rows[1].Identity != "a" {
		t.Errorf("order = %s, %s; want b, a", rows[0].Identity, rows[1].Identity)
	}
	if rows[1].Stable["k"] != "a2" || rows[1].Stable["n"] != 24.0 {
		t.Errorf("latest a stable = %v", rows[1].Stable)
	}
	if rows[1].Noise.Noisy("Canvas") {
		t.Error("newest a row carries no noise flags; older flags must not leak")
	}
	if rows[0].Noise == nil {
		t.Error("noise report should decode to an empty map")
	}
}

func TestSQLiteReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fp.db")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path, "")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	appendObs(t, s, Observation{Identity: "a", Stable: feature.Set{"k": "v"}})
	_ = s.Close()

	s2, err := OpenSQLite(ctx, path, "")
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()
	if rows := latest(t, s2); len(rows) != 1 || rows[0].Identity != "a" {
		t.Errorf("rows after reopen = %+v", rows)
	}
}

func TestSQLiteMigratesLegacyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	ctx := context.Background()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE fingerprints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		stable_fingerprint TEXT NOT NULL,
		unstable_metrics TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO fingerprints (user_id, stable_fingerprint, unstable_metrics) VALUES ('old', '{"k":"v"}', '{}')`); err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}
	_ = db.Close()

	s, err := OpenSQLite(ctx, path, "")
	if err != nil {
		t.Fatalf("OpenSQLite() on legacy table error = %v", err)
	}
	defer s.Close()

	rows := latest(t, s)
	if len(rows) != 1 || rows[0].Identity != "old" {
		t.Fatalf("rows = %+v", rows)
	}
	if len(rows[0].Noise) != 0 {
		t.Errorf("legacy noise report = %v, want empty", rows[0].Noise)
	}
	appendObs(t, s, Observation{Identity: "old", Stable: feature.Set{"k": "v"}, Noise: feature.NoiseReport{"Audio": true}})
	rows = latest(t, s)
	if !rows[0].Noise.Noisy("Audio") {
		t.Error("appended noise report not persisted after migration")
	}
}

func TestSQLiteRejectsInvalidTable(t *testing.T) {
	_, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "x.db"), "fp; DROP TABLE x")
	if err == nil {
		t.Fatal("expected invalid table name error")
	}
}

func TestSQLiteConcurrentAppends(t *testing.T) {
	s, _ := openTestSQLite(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			h, err := s.Acquire(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer h.Close()
			id := "even"
			if i%2 == 1 {
				id = "odd"
			}
			if err := h.Append(ctx, Observation{Identity: id, Stable: feature.Set{"i": float64(i)}}); err != nil {
				errs <- err
				return
			}
			if _, err := h.LatestPerIdentity(ctx); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent op failed: %v", err)
	}

	if rows := latest(t, s); len(rows) != 2 {
		t.Errorf("rows = %d, want 2", len(rows))
	}
}

func TestSQLiteClosedStoreIsUnavailable(t *testing.T) {
	s, _ := openTestSQLite(t)
	_ = s.Close()

	if _, err := s.Acquire(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Acquire() on closed store error = %v, want ErrUnavailable", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ping() on closed store error = %v, want ErrUnavailable", err)
	}
}
