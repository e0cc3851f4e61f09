package dialect

// NoLimit returns the LIMIT clause that disables row limiting, for queries
// that need an OFFSET without a LIMIT.
//
//	SQLite:   LIMIT -1
//	Postgres: LIMIT ALL
func NoLimit(driver string) string {
	if IsPostgres(driver) {
		return "LIMIT ALL"
	}
	return "LIMIT -1"
}
