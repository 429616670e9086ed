// Package incident holds the case and establishment records the pipeline
// reads, the store boundary it reads them through, and the Adapter that
// joins them and guards generated alerts against unknown establishments.
package incident

import (
	"time"

	"github.com/linnemanlabs/canary/internal/schema"
)

// CaseStatus tracks the clinical state of a reported case.
type CaseStatus string

const (
	CaseSuspected CaseStatus = "suspected"
	CaseConfirmed CaseStatus = "confirmed"
	CaseResolved  CaseStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseSuspected, CaseConfirmed, CaseResolved:
		return true
	}
	return false
}

// Case is one reported illness incident.
type Case struct {
	ID              int64      `json:"id"`
	EstablishmentID *int64     `json:"establishment_id"`
	ReportDate      time.Time  `json:"report_date"`
	OnsetDate       *time.Time `json:"onset_date,omitempty"`
	Symptoms        []string   `json:"symptoms"`
	FoodsConsumed   []string   `json:"foods_consumed"`
	PatientCount    int        `json:"patient_count"`
	Status          CaseStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Establishment is a physical food business location.
type Establishment struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	PostalCode string    `json:"postal_code"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Record is a case joined with its establishment. Its JSON form is the
// payload handed to the pattern analysis stage.
type Record struct {
	Case
	EstablishmentName string   `json:"establishment_name"`
	Address           string   `json:"address"`
	City              string   `json:"city"`
	State             string   `json:"state"`
	PostalCode        string   `json:"postal_code"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
}

func join(c Case, e Establishment) Record {
	return Record{
		Case:              c,
		EstablishmentName: e.Name,
		Address:           e.Address,
		City:              e.City,
		State:             e.State,
		PostalCode:        e.PostalCode,
		Latitude:          e.Latitude,
		Longitude:         e.Longitude,
	}
}

// StoredAlert is an alert after the store has assigned it an identity.
type StoredAlert struct {
	ID int64 `json:"id"`
	schema.Alert
	CreatedAt time.Time `json:"created_at"`
}
