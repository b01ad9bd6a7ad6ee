package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/retailassist/session-server-go/internal/model"
)

type CustomerRepository interface {
	FindByPhone(ctx context.Context, phone string) (*model.Customer, error)
	// EnsureByPhone returns the customer for phone, creating one if needed.
	EnsureByPhone(ctx context.Context, phone string) (*model.Customer, error)
}

type customerRepo struct {
	db dbtx
}

func NewCustomerRepository(db *sqlx.DB) CustomerRepository {
	return &customerRepo{db: db}
}

func (r *customerRepo) FindByPhone(ctx context.Context, phone string) (*model.Customer, error) {
	var customer model.Customer
	err := r.db.GetContext(ctx, &customer, `
		SELECT customer_id, phone_number, created_at
		FROM customers WHERE phone_number = $1
	`, phone)
	c, err := HandleNotFound(&customer, err)
	if err != nil {
		return nil, fmt.Errorf("find customer: %w", err)
	}
	return c, nil
}

func (r *customerRepo) EnsureByPhone(ctx context.Context, phone string) (*model.Customer, error) {
	var customer model.Customer
	err := r.db.GetContext(ctx, &customer, `
		INSERT INTO customers (customer_id, phone_number)
		VALUES ($1, $2)
		ON CONFLICT (phone_number) DO UPDATE SET phone_number = EXCLUDED.phone_number
		RETURNING customer_id, phone_number, created_at
	`, uuid.NewString(), phone)
	if err != nil {
		return nil, fmt.Errorf("ensure customer: %w", err)
	}
	return &customer, nil
}
