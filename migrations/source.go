// Package migrations ships the audit trail schema as embedded SQL together
// with the validation and runner machinery that applies it. The migrator
// binary (cmd/migrator) is a thin CLI over this package, so schema deployment
// needs no external files.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

//go:embed *.sql
var embeddedSQL embed.FS

// fileNamePattern is the required migration naming convention:
// a three-digit sequence, a snake_case name, and an up or down direction.
var fileNamePattern = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.(up|down)\.sql$`)

// File is one parsed migration file.
type File struct {
	Sequence  int
	Name      string
	Direction string
	FileName  string
}

// Source wraps a filesystem of migration SQL and validates its shape before
// anything is applied. The zero source is not usable; construct with
// NewSource.
type Source struct {
	fsys fs.FS
}

// NewSource returns a Source over the given filesystem. Passing nil selects
// the SQL embedded in this package, which is the production configuration.
func NewSource(fsys fs.FS) *Source {
	if fsys == nil {
		fsys = embeddedSQL
	}

	return &Source{fsys: fsys}
}

// FS exposes the underlying filesystem for the golang-migrate iofs driver.
func (s *Source) FS() fs.FS {
	return s.fsys
}

// Files returns every migration file in apply order: ascending sequence,
// with each up file ahead of its down counterpart. Files that do not match
// the naming convention are an error rather than silently skipped, because
// a typo in a filename would otherwise drop a migration from the set.
func (s *Source) Files() ([]File, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration source: %w", err)
	}

	var files []File

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		file, err := parseFileName(entry.Name())
		if err != nil {
			return nil, err
		}

		files = append(files, file)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Sequence != files[j].Sequence {
			return files[i].Sequence < files[j].Sequence
		}

		if files[i].Name != files[j].Name {
			return files[i].Name < files[j].Name
		}

		return files[i].Direction == "up" && files[j].Direction == "down"
	})

	return files, nil
}

// Read returns the SQL content of one migration file.
func (s *Source) Read(fileName string) ([]byte, error) {
	content, err := fs.ReadFile(s.fsys, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration %s: %w", fileName, err)
	}

	return content, nil
}

// Validate checks the whole migration set: naming, complete up/down pairs,
// a gapless sequence starting at 001, and non-empty SQL in every file. It
// runs once at startup; a set that fails here must never reach the database.
func (s *Source) Validate() error {
	files, err := s.Files()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("migration source contains no migration files")
	}

	type pair struct {
		up, down bool
	}

	pairs := make(map[int]pair)
	names := make(map[int]string)

	for _, file := range files {
		if name, seen := names[file.Sequence]; seen && name != file.Name {
			return fmt.Errorf("sequence %03d is used by both %q and %q", file.Sequence, name, file.Name)
		}

		names[file.Sequence] = file.Name

		p := pairs[file.Sequence]
		if file.Direction == "up" {
			p.up = true
		} else {
			p.down = true
		}

		pairs[file.Sequence] = p

		content, err := s.Read(file.FileName)
		if err != nil {
			return err
		}

		if len(strings.TrimSpace(string(content))) == 0 {
			return fmt.Errorf("migration %s is empty", file.FileName)
		}
	}

	sequences := make([]int, 0, len(pairs))
	for seq := range pairs {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if want := i + 1; seq != want {
			return fmt.Errorf("migration sequence has a gap: expected %03d, found %03d", want, seq)
		}

		p := pairs[seq]
		if !p.up {
			return fmt.Errorf("migration %03d_%s has no up file", seq, names[seq])
		}

		if !p.down {
			return fmt.Errorf("migration %03d_%s has no down file", seq, names[seq])
		}
	}

	return nil
}

// LatestVersion returns the highest migration sequence in the source, which
// is the schema version a fully migrated database should report.
func (s *Source) LatestVersion() (int, error) {
	files, err := s.Files()
	if err != nil {
		return 0, err
	}

	latest := 0
	for _, file := range files {
		if file.Sequence > latest {
			latest = file.Sequence
		}
	}

	return latest, nil
}

func parseFileName(fileName string) (File, error) {
	matches := fileNamePattern.FindStringSubmatch(fileName)
	if matches == nil {
		return File{}, fmt.Errorf(
			"migration %s does not match the naming convention NNN_name.(up|down).sql", fileName,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return File{}, fmt.Errorf("migration %s has an invalid sequence number: %w", fileName, err)
	}

	if sequence == 0 {
		return File{}, fmt.Errorf("migration %s uses sequence 000; numbering starts at 001", fileName)
	}

	return File{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		FileName:  fileName,
	}, nil
}
