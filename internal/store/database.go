package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ticktalk/ticktalk/internal/models"
)

// DatabaseStore persists each session as one row whose version column guards
// every update.
type DatabaseStore struct {
	*engine
	rows *sqlRows
}

// NewDatabaseStore constructs a store on an already migrated database.
func NewDatabaseStore(db *gorm.DB, opts ...Option) (*DatabaseStore, error) {
	if db == nil {
		return nil, errors.New("store: database handle is required")
	}
	o := buildOptions(opts)
	rows := &sqlRows{db: db, opts: o}
	return &DatabaseStore{engine: newEngine(rows, o), rows: rows}, nil
}

type sqlRows struct {
	db   *gorm.DB
	opts options
}

func (r *sqlRows) load(ctx context.Context, id string) (*models.Session, error) {
	var rec models.SessionRecord
	err := r.db.WithContext(ctx).Take(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session %s: %w", id, err)
	}
	return decodeRecord(rec)
}

func (r *sqlRows) swap(ctx context.Context, id string, expected int64, next *models.Session) error {
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("store: encode session %s: %w", id, err)
	}

	if expected == 0 {
		rec := models.SessionRecord{
			BaseModel: models.BaseModel{ID: id},
			Version:   next.Version,
			Status:    string(next.Status),
			HostID:    next.HostID,
			Payload:   datatypes.JSON(payload),
		}
		if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
			if isDuplicateKeyError(err) {
				return errVersionConflict
			}
			return fmt.Errorf("store: insert session %s: %w", id, err)
		}
		return nil
	}

	res := r.db.WithContext(ctx).
		Model(&models.SessionRecord{}).
		Where("id = ? AND version = ?", id, expected).
		Updates(map[string]any{
			"version":    next.Version,
			"status":     string(next.Status),
			"host_id":    next.HostID,
			"payload":    datatypes.JSON(payload),
			"updated_at": r.opts.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("store: update session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return errVersionConflict
	}
	return nil
}

func (r *sqlRows) list(ctx context.Context) ([]models.SessionSummary, error) {
	var recs []models.SessionRecord
	if err := r.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}

	summaries := make([]models.SessionSummary, 0, len(recs))
	for _, rec := range recs {
		doc, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, doc.Summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

func decodeRecord(rec models.SessionRecord) (*models.Session, error) {
	var doc models.Session
	if err := json.Unmarshal(rec.Payload, &doc); err != nil {
		return nil, fmt.Errorf("store: decode session %s: %w", rec.ID, err)
	}
	doc.ID = rec.ID
	doc.Version = rec.Version
	if doc.Participants == nil {
		doc.Participants = map[string]*models.Participant{}
	}
	if doc.SpokenUserIDs == nil {
		doc.SpokenUserIDs = []string{}
	}
	return &doc, nil
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "duplicate key")
}
