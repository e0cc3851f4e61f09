package dialect

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestLike(t *testing.T) {
	if Like(SQLite3) != "LIKE" {
		t.Errorf("sqlite: got %q", Like(SQLite3))
	}
	if Like(PGX) != "ILIKE" {
		t.Errorf("pgx: got %q", Like(PGX))
	}
}

func TestNoLimit(t *testing.T) {
	if NoLimit(SQLite3) != "LIMIT -1" {
		t.Errorf("sqlite: got %q", NoLimit(SQLite3))
	}
	if NoLimit(PGX) != "LIMIT ALL" {
		t.Errorf("pgx: got %q", NoLimit(PGX))
	}
}
