package chat

import (
	"context"
	"database/sql"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// IsParticipant reports whether userID is a durable member of the conversation.
func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`
	var ok bool
	if err := r.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
