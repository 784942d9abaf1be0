package database

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strings"
	"time"

	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migrationNamePattern = regexp.MustCompile(`^(\d{8})_.+\.sql$`)

// SchemaMigration records one applied data fix
type SchemaMigration struct {
	Name      string `gorm:"primaryKey;type:varchar(64)"`
	AppliedAt time.Time
}

// TableName keeps the name used by earlier releases
func (SchemaMigration) TableName() string {
	return "schema_migrations"
}

// dataFix is one embedded SQL file
type dataFix struct {
	file    string
	version string
	sql     string
}

// RunMigrations applies the embedded SQL data fixes that are not recorded
// yet, oldest first. The video table must already exist.
func RunMigrations(db *gorm.DB) error {
	if !db.Migrator().HasTable(&Video{}) {
		return fmt.Errorf("cannot run data fixes: table %s is missing", Video{}.TableName())
	}
	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	fixes, err := loadDataFixes(migrationsFS)
	if err != nil {
		return err
	}

	var done []string
	if err := db.Model(&SchemaMigration{}).Pluck("name", &done).Error; err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, fix := range fixes {
		if slices.Contains(done, fix.version) {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(fix.sql).Error; err != nil {
				return err
			}
			return tx.Create(&SchemaMigration{Name: fix.version, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", fix.file, err)
		}
	}
	return nil
}

func loadDataFixes(fsys fs.FS) ([]dataFix, error) {
	files, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}

	fixes := make([]dataFix, 0, len(files))
	for _, file := range files {
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		name := strings.TrimPrefix(file, "migrations/")
		fixes = append(fixes, dataFix{file: name, version: extractMigrationName(name), sql: string(body)})
	}
	slices.SortFunc(fixes, func(a, b dataFix) int {
		return strings.Compare(a.version, b.version)
	})
	return fixes, nil
}

// extractMigrationName returns the YYYYMMDD prefix of a migration file, or
// the whole name when it has none.
func extractMigrationName(filename string) string {
	if m := migrationNamePattern.FindStringSubmatch(filename); m != nil {
		return m[1]
	}
	return filename
}
