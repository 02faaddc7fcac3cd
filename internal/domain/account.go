package domain

import "time"

// User is a trading participant. Addresses are opaque strings validated by
// the chain adapter.
type User struct {
	ID                 string
	KYCVerified        bool
	ShieldedAddress    string
	TransparentAddress string
	CreatedAt          time.Time
}

// Balance holds a user's funds in minor currency units.
type Balance struct {
	UserID    string
	Available int64
	Locked    int64
	UpdatedAt time.Time
}
