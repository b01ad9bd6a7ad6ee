package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/retailassist/session-server-go/internal/model"
)

func TestCustomerService_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("known map by raw and digits-only phone", func(t *testing.T) {
		svc := NewCustomerService(nil, map[string]string{"+91 98765 43210": "cust-1"})

		id, err := svc.Resolve(ctx, "+91 98765 43210")
		require.NoError(t, err)
		assert.Equal(t, "cust-1", id)

		id, err = svc.Resolve(ctx, "919876543210")
		require.NoError(t, err)
		assert.Equal(t, "cust-1", id)
	})

	t.Run("finds existing customer", func(t *testing.T) {
		repo := new(mockCustomerRepo)
		repo.On("FindByPhone", ctx, "15550100").
			Return(&model.Customer{CustomerID: "cust-7", PhoneNumber: "15550100"}, nil).Once()
		svc := NewCustomerService(repo, nil)

		id, err := svc.Resolve(ctx, "+1-555-0100")
		require.NoError(t, err)
		assert.Equal(t, "cust-7", id)

		// second call is served from memory
		id, err = svc.Resolve(ctx, "+1-555-0100")
		require.NoError(t, err)
		assert.Equal(t, "cust-7", id)
		repo.AssertExpectations(t)
	})

	t.Run("creates missing customer", func(t *testing.T) {
		repo := new(mockCustomerRepo)
		repo.On("FindByPhone", ctx, "15550100").Return(nil, nil)
		repo.On("EnsureByPhone", ctx, "15550100").
			Return(&model.Customer{CustomerID: "new-id", PhoneNumber: "15550100"}, nil)
		svc := NewCustomerService(repo, nil)

		id, err := svc.Resolve(ctx, "15550100")
		require.NoError(t, err)
		assert.Equal(t, "new-id", id)
		repo.AssertExpectations(t)
	})

	t.Run("propagates repository errors", func(t *testing.T) {
		repo := new(mockCustomerRepo)
		repo.On("FindByPhone", ctx, mock.Anything).Return(nil, errors.New("db down"))
		svc := NewCustomerService(repo, nil)

		_, err := svc.Resolve(ctx, "15550100")
		assert.ErrorContains(t, err, "db down")
	})

	t.Run("empty phone resolves to nothing", func(t *testing.T) {
		svc := NewCustomerService(new(mockCustomerRepo), nil)

		id, err := svc.Resolve(ctx, "  ")
		require.NoError(t, err)
		assert.Empty(t, id)
	})
}

func TestParseCustomerMap(t *testing.T) {
	t.Run("any column order", func(t *testing.T) {
		in := "phone_number,name,customer_id\n+15550100,Ana,cust-1\n15550101,Ben,cust-2\n,Nobody,cust-3\n"

		got, err := parseCustomerMap(strings.NewReader(in))
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"+15550100": "cust-1", "15550101": "cust-2"}, got)
	})

	t.Run("phone alias", func(t *testing.T) {
		got, err := parseCustomerMap(strings.NewReader("Customer_ID,Phone\nc1,555\n"))
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"555": "c1"}, got)
	})

	t.Run("missing columns", func(t *testing.T) {
		_, err := parseCustomerMap(strings.NewReader("id,phone\n1,2\n"))
		assert.Error(t, err)
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := parseCustomerMap(strings.NewReader(""))
		assert.Error(t, err)
	})
}
