package models

import "time"

// Resolution sources recorded alongside each persisted number. The source
// tells later submissions and audits where the operator came from.
const (
	SourceCache      = "cache"
	SourceDatabase   = "database"
	SourceScraping   = "scraping"
	SourceUnresolved = "unresolved"
)

// UnresolvedOperator is the sentinel recorded when a number exhausted all
// retries without producing an operator. It still counts toward progress so
// batches always terminate.
const UnresolvedOperator = "ERROR_SCRAPING"

// InvalidOperators are operator values that must never be cached or used to
// satisfy a dedupe read.
var InvalidOperators = []string{UnresolvedOperator, "No existe", "Desconocido"}

// IsValidOperator reports whether an operator value represents a real
// resolution.
func IsValidOperator(operator string) bool {
	if operator == "" {
		return false
	}
	for _, invalid := range InvalidOperators {
		if operator == invalid {
			return false
		}
	}
	return true
}

// PhoneRecord represents one resolved phone number within a file
type PhoneRecord struct {
	ID         int64     `json:"id" db:"id"`
	FileName   string    `json:"fileName" db:"file_name"`
	Number     string    `json:"number" db:"number"`
	Operator   string    `json:"operator" db:"operator"`
	OwnerUser  string    `json:"ownerUser" db:"owner_user"`
	Source     string    `json:"source" db:"source"`
	ObservedAt time.Time `json:"observedAt" db:"observed_at"`
}
