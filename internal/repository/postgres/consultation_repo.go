package postgres

import (
	"context"

	"github.com/mtaalamux/client/internal/model"
)

// ConsultationRepo implements ConsultationRepository using PostgreSQL.
type ConsultationRepo struct{ db *DB }

// NewConsultationRepo constructs a consultation repository.
func NewConsultationRepo(db *DB) *ConsultationRepo { return &ConsultationRepo{db: db} }

// Create inserts a consultation; the window is validated before touching the database.
func (r *ConsultationRepo) Create(ctx context.Context, c *model.Consultation) error {
	if err := c.Validate(); err != nil {
		return err
	}
	const q = `
INSERT INTO consultations (expert_id, client_id, title, start_time, end_time, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`
	return r.db.Pool.QueryRow(ctx, q, c.ExpertID, c.ClientID, c.Title, c.StartTime, c.EndTime, c.Status).Scan(&c.ID)
}

// LatestBetween returns the consultation with the latest start between a and b.
func (r *ConsultationRepo) LatestBetween(ctx context.Context, a, b int64) (*model.Consultation, error) {
	const q = `
SELECT id, expert_id, client_id, title, start_time, end_time, status
FROM consultations
WHERE (expert_id=$1 AND client_id=$2) OR (expert_id=$2 AND client_id=$1)
ORDER BY start_time DESC
LIMIT 1`
	var c model.Consultation
	err := r.db.Pool.QueryRow(ctx, q, a, b).Scan(&c.ID, &c.ExpertID, &c.ClientID, &c.Title, &c.StartTime, &c.EndTime, &c.Status)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}
