// Package repository - слой доступа к PostgreSQL.
package repository

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

// isUniqueViolation проверяет нарушение UNIQUE constraint (код 23505)
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	// sqlmock и другие драйверы в тестах не возвращают *pq.Error
	return strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "23505")
}
