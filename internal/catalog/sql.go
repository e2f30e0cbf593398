package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "embed"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

//go:embed migrations_catalog.sql
var catalogMigrations string

const courseColumns = `id, name, category, modality, start_date, price, currency, payment_options,
	sessions, duration_hours, certification, tools, brochure_url, schedule, sectors`

// SQLStore reads the catalog from an SQLite or PostgreSQL database.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens the catalog database identified by dsn and ensures its schema.
func OpenSQL(dsn string) (*SQLStore, error) {
	driver := store.DetectDSNType(dsn)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}
	s, err := NewSQLStore(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. driver is "sqlite3" or "postgres".
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if _, err := db.Exec(catalogMigrations); err != nil {
		return nil, fmt.Errorf("catalog migrations: %w", err)
	}
	slog.Debug("Catalog SQL store ready", "driver", driver)
	return &SQLStore{db: db, driver: driver}, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) ListCourses(ctx context.Context, filters models.CourseFilters) ([]models.CourseSummary, error) {
	query := `SELECT ` + courseColumns + ` FROM courses`
	var args []interface{}
	if filters.Category != "" {
		query += ` WHERE LOWER(category) = LOWER(?)`
		args = append(args, filters.Category)
	}
	query += ` ORDER BY position, id`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list courses: %v", models.ErrTransientProvider, err)
	}
	defer rows.Close()

	var details []models.CourseDetail
	for rows.Next() {
		d, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate courses: %v", models.ErrTransientProvider, err)
	}
	filters.Category = ""
	return FilterCourses(details, filters), nil
}

func (s *SQLStore) GetCourseDetail(ctx context.Context, courseID string) (models.CourseDetail, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+courseColumns+` FROM courses WHERE id = ?`), courseID)
	d, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CourseDetail{}, fmt.Errorf("%w: %s", ErrCourseNotFound, courseID)
	}
	return d, err
}

func (s *SQLStore) ListBonuses(ctx context.Context, courseID string) ([]models.Bonus, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, course_id, title, description FROM course_bonuses WHERE course_id = ? ORDER BY id`), courseID)
	if err != nil {
		return nil, fmt.Errorf("%w: list bonuses: %v", models.ErrTransientProvider, err)
	}
	defer rows.Close()
	var out []models.Bonus
	for rows.Next() {
		var b models.Bonus
		if err := rows.Scan(&b.ID, &b.CourseID, &b.Title, &b.Description); err != nil {
			return nil, fmt.Errorf("%w: scan bonus: %v", models.ErrTransientProvider, err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate bonuses: %v", models.ErrTransientProvider, err)
	}
	return out, nil
}

// Close closes the catalog database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCourse(sc scanner) (models.CourseDetail, error) {
	var d models.CourseDetail
	var payment, tools, schedule, sectors string
	err := sc.Scan(&d.ID, &d.Name, &d.Category, &d.Modality, &d.StartDate, &d.Price, &d.Currency, &payment,
		&d.Sessions, &d.DurationHours, &d.Certification, &tools, &d.BrochureURL, &schedule, &sectors)
	if errors.Is(err, sql.ErrNoRows) {
		return d, err
	}
	if err != nil {
		return d, fmt.Errorf("%w: scan course: %v", models.ErrTransientProvider, err)
	}
	for _, col := range []struct {
		raw string
		dst *[]string
	}{{payment, &d.PaymentOptions}, {tools, &d.Tools}, {schedule, &d.Schedule}, {sectors, &d.Sectors}} {
		if col.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return d, fmt.Errorf("course %s: decode list column: %w", d.ID, err)
		}
	}
	return d, nil
}
