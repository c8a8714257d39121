package storage

import (
	"cmp"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*/*.sql
var migrationFS embed.FS

const (
	backendClickHouse = "clickhouse"
	backendSQLite     = "sqlite"
)

// migration is one numbered schema file, already split into statements.
type migration struct {
	version    int
	name       string
	statements []string
}

// readMigrations returns a backend's migrations in version order. Files are
// named NNN_description.sql.
func readMigrations(backend string) ([]migration, error) {
	paths, err := fs.Glob(migrationFS, path.Join("migrations", backend, "*.sql"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no %s migrations embedded", backend)
	}

	out := make([]migration, 0, len(paths))
	for _, p := range paths {
		base := strings.TrimSuffix(path.Base(p), ".sql")
		num, name, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil || version < 1 {
			return nil, fmt.Errorf("migration %s: want NNN_description.sql", p)
		}

		src, err := migrationFS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		stmts := sqlStatements(string(src))
		if len(stmts) == 0 {
			return nil, fmt.Errorf("migration %s is empty", p)
		}
		out = append(out, migration{version: version, name: name, statements: stmts})
	}

	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.version, b.version) })
	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, fmt.Errorf("duplicate %s migration version %d", backend, out[i].version)
		}
	}
	return out, nil
}

// sqlStatements splits a script on semicolons outside quoted literals and
// drops whole-line "--" comments.
func sqlStatements(src string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	emit := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, line := range strings.Split(src, "\n") {
		if quote == 0 && strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for _, r := range line {
			switch {
			case quote != 0:
				if r == quote {
					quote = 0
				}
			case r == '\'' || r == '"':
				quote = r
			case r == ';':
				emit()
				continue
			}
			cur.WriteRune(r)
		}
		cur.WriteByte('\n')
	}
	emit()
	return out
}
