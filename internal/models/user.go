package models

import "github.com/shopspring/decimal"

type User struct {
	ID           int64
	Name         string
	Email        string
	Phone        string
	TotalSavings decimal.Decimal
	DealsClaimed int
}

// CustomerSummary is what a vendor sees about the customer redeeming a claim.
type CustomerSummary struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

func (u *User) Summary() CustomerSummary {
	return CustomerSummary{ID: u.ID, Name: u.Name, Email: u.Email, Phone: u.Phone}
}
