package dispatch

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/tradeguard/internal/database"
	"github.com/Aidin1998/tradeguard/pkg/models"
)

// Directory lists the middleman roster with current workloads
type Directory interface {
	ListMiddlemen(ctx context.Context) ([]Candidate, error)
}

// StaticDirectory serves a fixed roster
type StaticDirectory struct {
	candidates []Candidate
}

// NewStaticDirectory creates a directory over a fixed candidate list
func NewStaticDirectory(candidates ...Candidate) *StaticDirectory {
	return &StaticDirectory{candidates: candidates}
}

// ListMiddlemen returns a copy of the roster
func (d *StaticDirectory) ListMiddlemen(context.Context) ([]Candidate, error) {
	return append([]Candidate(nil), d.candidates...), nil
}

type rosterFile struct {
	Middlemen []Candidate `yaml:"middlemen"`
}

// LoadRoster reads a YAML roster file
func LoadRoster(path string) ([]Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	for i, c := range file.Middlemen {
		if c.ID == "" {
			return nil, fmt.Errorf("parse roster %s: entry %d has no id", path, i)
		}
	}
	return file.Middlemen, nil
}

// GormDirectory reads the roster from the middlemen table and derives each
// middleman's workload from open assignments and sessions.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory creates a database-backed directory
func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

type workloadRow struct {
	MiddlemanID string
	N           int
}

// ListMiddlemen returns every roster entry ordered by id
func (d *GormDirectory) ListMiddlemen(ctx context.Context) ([]Candidate, error) {
	var roster []models.Middleman
	if err := d.db.WithContext(ctx).Order("id ASC").Find(&roster).Error; err != nil {
		return nil, database.WrapError(err)
	}

	workload := make(map[string]int)
	var pending, sessions []workloadRow
	err := d.db.WithContext(ctx).Model(&models.MiddlemanAssignment{}).
		Select("middleman_id, count(*) AS n").
		Where("status = ?", models.AssignmentStatusPending).
		Group("middleman_id").
		Scan(&pending).Error
	if err != nil {
		return nil, database.WrapError(err)
	}
	err = d.db.WithContext(ctx).Model(&models.SupervisionSession{}).
		Select("middleman_id, count(*) AS n").
		Where("status IN ?", []models.SupervisionState{models.SupervisionActive, models.SupervisionCompleting}).
		Group("middleman_id").
		Scan(&sessions).Error
	if err != nil {
		return nil, database.WrapError(err)
	}
	for _, r := range append(pending, sessions...) {
		workload[r.MiddlemanID] += r.N
	}

	candidates := make([]Candidate, 0, len(roster))
	for _, m := range roster {
		candidates = append(candidates, Candidate{
			ID:                         m.ID,
			DisplayName:                m.DisplayName,
			Available:                  m.Available,
			CurrentWorkload:            workload[m.ID],
			AverageResponseTimeMinutes: m.AverageResponseMinutes,
			Rating:                     m.Rating,
		})
	}
	return candidates, nil
}

// Sync upserts roster entries into the middlemen table. The roster seeds
// availability for new middlemen only; existing rows keep the value last
// set through SetAvailability.
func (d *GormDirectory) Sync(ctx context.Context, roster []Candidate) error {
	if len(roster) == 0 {
		return nil
	}
	rows := make([]models.Middleman, 0, len(roster))
	for _, c := range roster {
		rows = append(rows, models.Middleman{
			ID:                     c.ID,
			DisplayName:            c.DisplayName,
			Available:              c.Available,
			AverageResponseMinutes: c.AverageResponseTimeMinutes,
			Rating:                 c.Rating,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "average_response_minutes", "rating", "updated_at"}),
	}).Create(&rows).Error
	return database.WrapError(err)
}

// SetAvailability toggles whether a middleman takes new trades
func (d *GormDirectory) SetAvailability(ctx context.Context, middlemanID string, available bool) error {
	res := d.db.WithContext(ctx).Model(&models.Middleman{}).Where("id = ?", middlemanID).Update("available", available)
	if res.Error != nil {
		return database.WrapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return database.WrapError(gorm.ErrRecordNotFound)
	}
	return nil
}
