package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"

	"node.town/tarjama/session"
	"node.town/tarjama/transcript"
)

func sampleEntry(id, content string) session.Entry {
	return session.Entry{
		ID:         id,
		SessionID:  "s1",
		Engine:     session.EngineCloud,
		Language:   "ar-SA",
		MIMEType:   "audio/webm",
		AudioBytes: 1024,
		Result: &transcript.Result{
			Summary: "a short greeting",
			Segments: []transcript.Segment{{
				Speaker:      "Speaker 1",
				Timestamp:    "00:03",
				Content:      content,
				Language:     "Arabic",
				LanguageCode: "ar",
				Translation:  "welcome",
				Emotion:      transcript.EmotionHappy,
			}},
		},
		CreatedAt: time.Now().Truncate(time.Millisecond),
		Elapsed:   1500 * time.Millisecond,
	}
}

func TestSearchBody(t *testing.T) {
	body := searchBody(sampleEntry("x", "أهلا وسهلا").Result)
	for _, want := range []string{"a short greeting", "أهلا وسهلا", "welcome"} {
		if !strings.Contains(body, want) {
			t.Errorf("body %q is missing %q", body, want)
		}
	}
}

// The store tests need a disposable Postgres database.
func testDB(t *testing.T) DB {
	url := os.Getenv("TARJAMA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TARJAMA_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { conn.Close(ctx) })

	tx, err := conn.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tx.Rollback(ctx) })
	return tx
}

func TestStoreRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	logger := log.New(io.Discard)

	if err := Migrate(ctx, db, logger, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pending, err := Pending(ctx, db)
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending after migrate = %v, %v", pending, err)
	}

	store := NewStore(db, logger)
	first := sampleEntry("t1", "مرحبا")
	second := sampleEntry("t2", "good morning everyone")
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	for _, e := range []session.Entry{first, second} {
		if err := store.Archive(ctx, e); err != nil {
			t.Fatalf("archive %s: %v", e.ID, err)
		}
	}

	recent, err := store.Recent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != "t2" {
		t.Fatalf("recent = %+v", recent)
	}

	matches, err := store.Recent(ctx, "morning", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ID != "t2" {
		t.Errorf("search = %+v", matches)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Result.Segments[0].Content != "مرحبا" || got.Elapsed != 1500*time.Millisecond || got.Engine != "cloud" {
		t.Errorf("got = %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: %v", err)
	}
}

func TestMigrateSkipsUnconfirmed(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := Migrate(ctx, db, log.New(io.Discard), func(m Migration) (bool, error) {
		return m.ID == migrations[0].ID, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	pending, err := Pending(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != len(migrations)-1 {
		t.Errorf("pending = %v", pending)
	}
}
