package model

import "time"

// HouseUsername is the reserved account that accumulates commissions.
// It is created by migration and cannot log in.
const HouseUsername = "house"

type User struct {
	ID           string    `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	IsAdmin      bool      `db:"is_admin" json:"isAdmin"`
	BalanceSats  int64     `db:"balance_sats" json:"balanceSats"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

type CreateUserParams struct {
	Username     string
	Email        string
	PasswordHash string
}
