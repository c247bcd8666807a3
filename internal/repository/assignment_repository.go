package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// AssignmentRepository answers permission lookups against the RBAC tables.
// Items may be granted directly or through a parent item one level up.
type AssignmentRepository struct {
	db *sqlx.DB
}

// NewAssignmentRepository constructs an assignment repository.
func NewAssignmentRepository(db *sqlx.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// HasPermission reports whether userID holds item.
func (r *AssignmentRepository) HasPermission(ctx context.Context, userID, item string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM rbac_assignments a
		LEFT JOIN rbac_item_children c ON c.parent = a.item_name
		WHERE a.user_id = $1 AND (a.item_name = $2 OR c.child = $2)
	)`
	var ok bool
	if err := r.db.GetContext(ctx, &ok, query, userID, item); err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return ok, nil
}
