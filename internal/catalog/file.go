package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// catalogFile is the YAML layout of a catalog file.
type catalogFile struct {
	Courses []models.CourseDetail `yaml:"courses"`
	Bonuses []models.Bonus        `yaml:"bonuses"`
}

// FileStore serves the catalog from a YAML file loaded at startup.
type FileStore struct {
	static StaticStore
}

var _ Store = (*FileStore)(nil)

// LoadFile reads and validates a YAML catalog.
func LoadFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes a catalog document.
func ParseYAML(data []byte) (*FileStore, error) {
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	seen := map[string]bool{}
	for i, c := range doc.Courses {
		if c.ID == "" || c.Name == "" {
			return nil, fmt.Errorf("catalog course %d: id and name are required", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("catalog course %q defined twice", c.ID)
		}
		seen[c.ID] = true
	}
	for i, b := range doc.Bonuses {
		if !seen[b.CourseID] {
			return nil, fmt.Errorf("catalog bonus %d references unknown course %q", i, b.CourseID)
		}
	}
	slog.Debug("Catalog file loaded", "courses", len(doc.Courses), "bonuses", len(doc.Bonuses))
	return &FileStore{static: StaticStore{Courses: doc.Courses, Bonuses: doc.Bonuses}}, nil
}

func (f *FileStore) ListCourses(ctx context.Context, filters models.CourseFilters) ([]models.CourseSummary, error) {
	return f.static.ListCourses(ctx, filters)
}

func (f *FileStore) GetCourseDetail(ctx context.Context, courseID string) (models.CourseDetail, error) {
	return f.static.GetCourseDetail(ctx, courseID)
}

func (f *FileStore) ListBonuses(ctx context.Context, courseID string) ([]models.Bonus, error) {
	return f.static.ListBonuses(ctx, courseID)
}
