// internal/model/contact.go
package model

// Lead is the read-only contact projection a funnel talks to.
type Lead struct {
	ID        string `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
	Email     string `db:"email" json:"email"`
	Phone     string `db:"phone" json:"phone"`
}

// Agent is the read-only projection of the funnel owner.
type Agent struct {
	ID        string `db:"id" json:"id"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
	Email     string `db:"email" json:"email"`
}
