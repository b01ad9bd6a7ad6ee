package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/retailassist/session-server-go/internal/repository"
	"github.com/retailassist/session-server-go/internal/util"
)

// CustomerResolver maps a phone number to a customer id at session creation.
// An empty id with a nil error means the phone is unknown.
type CustomerResolver interface {
	Resolve(ctx context.Context, phone string) (string, error)
}

// CustomerService resolves customers from a preloaded phone map first, then
// from the customer repository, creating a record when none exists.
// Resolved pairs are remembered under both the raw and digits-only phone.
type CustomerService struct {
	repo repository.CustomerRepository

	mu    sync.RWMutex
	known map[string]string
}

func NewCustomerService(repo repository.CustomerRepository, known map[string]string) *CustomerService {
	s := &CustomerService{
		repo:  repo,
		known: make(map[string]string, len(known)),
	}
	for phone, id := range known {
		s.remember(phone, id)
	}
	return s
}

func (s *CustomerService) Resolve(ctx context.Context, phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", nil
	}
	if id := s.lookup(phone); id != "" {
		return id, nil
	}
	if s.repo == nil {
		return "", nil
	}

	digits := util.DigitsOnly(phone)
	if digits == "" {
		digits = phone
	}

	customer, err := s.repo.FindByPhone(ctx, digits)
	if err != nil {
		return "", fmt.Errorf("find customer: %w", err)
	}
	if customer == nil {
		customer, err = s.repo.EnsureByPhone(ctx, digits)
		if err != nil {
			return "", fmt.Errorf("ensure customer: %w", err)
		}
		log.Info().
			Str("customerId", customer.CustomerID).
			Msg("customer record created")
	}

	s.remember(phone, customer.CustomerID)
	return customer.CustomerID, nil
}

func (s *CustomerService) lookup(phone string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.known[phone]; ok {
		return id
	}
	if digits := util.DigitsOnly(phone); digits != "" {
		return s.known[digits]
	}
	return ""
}

func (s *CustomerService) remember(phone, id string) {
	if phone == "" || id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.known[phone] = id
	if digits := util.DigitsOnly(phone); digits != "" {
		s.known[digits] = id
	}
}

// LoadCustomerMap reads a CSV export with customer_id and phone_number
// columns (any order, header required). Rows missing either value are skipped.
func LoadCustomerMap(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open customer map: %w", err)
	}
	defer f.Close()

	return parseCustomerMap(f)
}

func parseCustomerMap(r io.Reader) (map[string]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read customer map header: %w", err)
	}
	idCol, phoneCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "customer_id":
			idCol = i
		case "phone_number", "phone":
			phoneCol = i
		}
	}
	if idCol < 0 || phoneCol < 0 {
		return nil, errors.New("customer map needs customer_id and phone_number columns")
	}

	out := make(map[string]string)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read customer map: %w", err)
		}
		if idCol >= len(record) || phoneCol >= len(record) {
			continue
		}
		id := strings.TrimSpace(record[idCol])
		phone := strings.TrimSpace(record[phoneCol])
		if id == "" || phone == "" {
			continue
		}
		out[phone] = id
	}
	return out, nil
}
