package model

import "time"

type Customer struct {
	CustomerID  string    `db:"customer_id" json:"customerId"`
	PhoneNumber string    `db:"phone_number" json:"phoneNumber"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}
