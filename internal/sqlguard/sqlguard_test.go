package sqlguard

import (
	"strings"
	"testing"

	"github.com/tunelab/tunelab/internal/tlerr"
)

func TestValidate(t *testing.T) {
	g := Default()

	t.Run("select gets limit appended", func(t *testing.T) {
		out, err := g.Validate("SELECT * FROM tune")
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if out != "SELECT * FROM tune LIMIT 500" {
			t.Errorf("Validate() = %q, want LIMIT appended", out)
		}
	})

	t.Run("explicit limit under cap kept as-is", func(t *testing.T) {
		in := "SELECT id FROM tune LIMIT 10"
		out, err := g.Validate(in)
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if out != in {
			t.Errorf("Validate() = %q, want unchanged", out)
		}
	})

	t.Run("explicit limit above cap rejected", func(t *testing.T) {
		_, err := g.Validate("SELECT id FROM tune LIMIT 100000")
		if !tlerr.Is(err, tlerr.ErrQueryLimit) {
			t.Errorf("error = %v, want %v", err, tlerr.ErrQueryLimit)
		}
	})

	t.Run("comma-form limit rejected", func(t *testing.T) {
		// LIMIT 1, 100000 means OFFSET 1, LIMIT 100000: the first number is
		// not the row count, so the form is not allowed at all.
		_, err := g.Validate("SELECT * FROM tune LIMIT 1, 100000")
		if !tlerr.Is(err, tlerr.ErrQueryRejected) {
			t.Errorf("error = %v, want %v", err, tlerr.ErrQueryRejected)
		}
	})

	t.Run("subquery limit does not bound the outer statement", func(t *testing.T) {
		in := "SELECT * FROM tune WHERE id IN (SELECT tune_id FROM playlist_tune LIMIT 1)"
		out, err := g.Validate(in)
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if out != in+" LIMIT 500" {
			t.Errorf("Validate() = %q, want outer LIMIT appended", out)
		}
	})

	t.Run("subquery limit above cap rejected", func(t *testing.T) {
		_, err := g.Validate("SELECT * FROM tune WHERE id IN (SELECT tune_id FROM playlist_tune LIMIT 100000)")
		if !tlerr.Is(err, tlerr.ErrQueryLimit) {
			t.Errorf("error = %v, want %v", err, tlerr.ErrQueryLimit)
		}
	})

	t.Run("top-level limit after a subquery kept as-is", func(t *testing.T) {
		in := "SELECT * FROM tune WHERE id IN (SELECT tune_id FROM playlist_tune LIMIT 5) LIMIT 20"
		out, err := g.Validate(in)
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if out != in {
			t.Errorf("Validate() = %q, want unchanged", out)
		}
	})

	t.Run("delete rejected", func(t *testing.T) {
		_, err := g.Validate("DELETE FROM tune")
		if !tlerr.Is(err, tlerr.ErrQueryRejected) {
			t.Errorf("error = %v, want %v", err, tlerr.ErrQueryRejected)
		}
	})

	t.Run("unlisted table rejected", func(t *testing.T) {
		_, err := g.Validate("SELECT * FROM unlisted_table")
		if !tlerr.Is(err, tlerr.ErrQueryTable) {
			t.Errorf("error = %v, want %v", err, tlerr.ErrQueryTable)
		}
	})

	t.Run("comment tokens rejected", func(t *testing.T) {
		for _, q := range []string{
			"SELECT * FROM tune -- comment",
			"SELECT * FROM tune /* hidden */",
			"SELECT * FROM tune # trailing",
			"SELECT * FROM tune; DROP TABLE tune",
		} {
			if _, err := g.Validate(q); !tlerr.Is(err, tlerr.ErrQueryRejected) {
				t.Errorf("Validate(%q) error = %v, want rejection", q, err)
			}
		}
	})

	t.Run("forbidden token inside string literal still rejected", func(t *testing.T) {
		_, err := g.Validate("SELECT * FROM tune WHERE title = 'a--b'")
		if !tlerr.Is(err, tlerr.ErrQueryRejected) {
			t.Errorf("error = %v, want fail-closed rejection", err)
		}
	})

	t.Run("empty query rejected", func(t *testing.T) {
		if _, err := g.Validate("   "); err == nil {
			t.Error("empty query should be rejected")
		}
	})

	t.Run("lowercase select accepted", func(t *testing.T) {
		out, err := g.Validate("select title from tune where key = 'Em'")
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if !strings.HasSuffix(out, "LIMIT 500") {
			t.Errorf("Validate() = %q, want limit appended", out)
		}
	})

	t.Run("select without from allowed", func(t *testing.T) {
		if _, err := g.Validate("SELECT 1"); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})
}

func TestJoinScanning(t *testing.T) {
	g := Default()

	t.Run("join against allowed table", func(t *testing.T) {
		q := "SELECT t.title FROM tune t JOIN practice_record p ON p.tune_id = t.id"
		if _, err := g.Validate(q); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})

	t.Run("join against unlisted table rejected", func(t *testing.T) {
		q := "SELECT t.title FROM tune t JOIN secrets s ON s.tune_id = t.id"
		if _, err := g.Validate(q); !tlerr.Is(err, tlerr.ErrQueryTable) {
			t.Errorf("error = %v, want table rejection", err)
		}
	})

	t.Run("comma-separated from list", func(t *testing.T) {
		q := "SELECT * FROM tune, secrets"
		if _, err := g.Validate(q); !tlerr.Is(err, tlerr.ErrQueryTable) {
			t.Errorf("error = %v, want table rejection", err)
		}
	})

	t.Run("subquery tables scanned", func(t *testing.T) {
		q := "SELECT * FROM (SELECT id FROM secrets) x"
		if _, err := g.Validate(q); !tlerr.Is(err, tlerr.ErrQueryTable) {
			t.Errorf("error = %v, want table rejection", err)
		}
	})

	t.Run("quoted identifier normalized", func(t *testing.T) {
		if _, err := g.Validate(`SELECT * FROM "tune"`); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})

	t.Run("schema-qualified name fails closed", func(t *testing.T) {
		if _, err := g.Validate("SELECT * FROM main.tune"); !tlerr.Is(err, tlerr.ErrQueryTable) {
			t.Error("schema-qualified table should fail the allow-list")
		}
	})
}

func TestCustomPolicy(t *testing.T) {
	g := New(Policy{AllowedTables: []string{"Sessions"}, MaxRows: 10})

	t.Run("case-insensitive allow-list", func(t *testing.T) {
		out, err := g.Validate("SELECT * FROM sessions")
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if !strings.HasSuffix(out, "LIMIT 10") {
			t.Errorf("Validate() = %q, want custom cap", out)
		}
	})

	t.Run("default tables not allowed under custom policy", func(t *testing.T) {
		if _, err := g.Validate("SELECT * FROM tune"); err == nil {
			t.Error("tune should not be allowed under custom policy")
		}
	})

	t.Run("non-literal limit rejected", func(t *testing.T) {
		if _, err := g.Validate("SELECT * FROM sessions LIMIT ALL"); err == nil {
			t.Error("LIMIT ALL should be rejected")
		}
	})
}
