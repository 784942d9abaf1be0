// Package catalog is the metadata store of known items and their outcomes.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/justchokingaround/vodpull/internal/database"
)

// Record is what is known about one item. FileName is empty until the item
// has been fully processed.
type Record struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Labels   []string `json:"labels"`
	FileName string   `json:"file_name,omitempty"`
}

// Done reports whether the record marks a finished item
func (r Record) Done() bool {
	return r.FileName != ""
}

// Stats aggregates the store
type Stats struct {
	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
}

// Failed is the number of known items without a finished file
func (s Stats) Failed() int64 {
	return s.Total - s.Succeeded
}

// Store persists records in the video table
type Store struct {
	db *gorm.DB
}

// NewStore creates a store on db
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Put inserts or replaces the record for rec.ID
func (s *Store) Put(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("record id is empty")
	}
	v := toModel(rec)
	if err := s.db.WithContext(ctx).Save(&v).Error; err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record for id and whether it exists
func (s *Store) Get(ctx context.Context, id string) (Record, bool, error) {
	var v database.Video
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	return fromModel(v), true, nil
}

// All returns every record keyed by id
func (s *Store) All(ctx context.Context) (map[string]Record, error) {
	var videos []database.Video
	if err := s.db.WithContext(ctx).Find(&videos).Error; err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	out := make(map[string]Record, len(videos))
	for _, v := range videos {
		out[v.ID] = fromModel(v)
	}
	return out, nil
}

// Successes returns the finished records ordered by id
func (s *Store) Successes(ctx context.Context) ([]Record, error) {
	var videos []database.Video
	if err := s.done(ctx).Order("id").Find(&videos).Error; err != nil {
		return nil, fmt.Errorf("failed to list finished records: %w", err)
	}
	out := make([]Record, 0, len(videos))
	for _, v := range videos {
		out = append(out, fromModel(v))
	}
	return out, nil
}

// Random returns one finished record picked at random
func (s *Store) Random(ctx context.Context) (Record, bool, error) {
	var v database.Video
	err := s.done(ctx).Order("RANDOM()").Limit(1).Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to pick a record: %w", err)
	}
	return fromModel(v), true, nil
}

// Stats counts all records and the finished ones
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.WithContext(ctx).Model(&database.Video{}).Count(&st.Total).Error; err != nil {
		return Stats{}, fmt.Errorf("failed to count records: %w", err)
	}
	if err := s.done(ctx).Count(&st.Succeeded).Error; err != nil {
		return Stats{}, fmt.Errorf("failed to count finished records: %w", err)
	}
	return st, nil
}

func (s *Store) done(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&database.Video{}).Where("file_name IS NOT NULL AND file_name <> ''")
}

func toModel(r Record) database.Video {
	v := database.Video{
		ID:     r.ID,
		Title:  r.Title,
		Labels: database.Labels(r.Labels),
	}
	if r.FileName != "" {
		name := r.FileName
		v.FileName = &name
	}
	return v
}

func fromModel(v database.Video) Record {
	r := Record{
		ID:     v.ID,
		Title:  v.Title,
		Labels: []string(v.Labels),
	}
	if v.FileName != nil {
		r.FileName = *v.FileName
	}
	if r.Labels == nil {
		r.Labels = []string{}
	}
	return r
}
