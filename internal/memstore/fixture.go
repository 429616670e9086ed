package memstore

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/canary/internal/incident"
)

// Fixture is seed data for a Store, usually loaded from YAML.
type Fixture struct {
	Establishments []FixtureEstablishment `yaml:"establishments"`
	Cases          []FixtureCase          `yaml:"cases"`
}

// FixtureEstablishment is an establishment with a fixed ID so cases can
// refer to it.
type FixtureEstablishment struct {
	ID         int64    `yaml:"id"`
	Name       string   `yaml:"name"`
	Address    string   `yaml:"address"`
	City       string   `yaml:"city"`
	State      string   `yaml:"state"`
	PostalCode string   `yaml:"postal_code"`
	Latitude   *float64 `yaml:"latitude"`
	Longitude  *float64 `yaml:"longitude"`
}

// FixtureCase places a case relative to load time with DaysAgo, so seeded
// data always falls inside the analysis window.
type FixtureCase struct {
	EstablishmentID *int64   `yaml:"establishment_id"`
	DaysAgo         float64  `yaml:"days_ago"`
	OnsetDaysAgo    *float64 `yaml:"onset_days_ago"`
	Symptoms        []string `yaml:"symptoms"`
	FoodsConsumed   []string `yaml:"foods_consumed"`
	PatientCount    int      `yaml:"patient_count"`
	Status          string   `yaml:"status"`
}

// LoadFixture reads a YAML fixture from path.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return &fx, nil
}

// Seeder is a store that fixtures can be written into. *Store and
// *pgstore.Store satisfy it.
type Seeder interface {
	AddEstablishments(ctx context.Context, es []incident.Establishment) ([]int64, error)
	InsertCases(ctx context.Context, cases []incident.Case) ([]int64, error)
}

// Seed writes the fixture into dst, with case dates relative to now.
func Seed(ctx context.Context, dst Seeder, fx *Fixture, now time.Time) error {
	es := make([]incident.Establishment, len(fx.Establishments))
	for i, e := range fx.Establishments {
		es[i] = incident.Establishment{
			ID:         e.ID,
			Name:       e.Name,
			Address:    e.Address,
			City:       e.City,
			State:      e.State,
			PostalCode: e.PostalCode,
			Latitude:   e.Latitude,
			Longitude:  e.Longitude,
		}
	}
	if _, err := dst.AddEstablishments(ctx, es); err != nil {
		return fmt.Errorf("seed establishments: %w", err)
	}

	cases := make([]incident.Case, len(fx.Cases))
	for i, c := range fx.Cases {
		patients := c.PatientCount
		if patients == 0 {
			patients = 1
		}
		cases[i] = incident.Case{
			EstablishmentID: c.EstablishmentID,
			ReportDate:      daysBefore(now, c.DaysAgo),
			Symptoms:        c.Symptoms,
			FoodsConsumed:   c.FoodsConsumed,
			PatientCount:    patients,
			Status:          incident.CaseStatus(c.Status),
		}
		if c.OnsetDaysAgo != nil {
			onset := daysBefore(now, *c.OnsetDaysAgo)
			cases[i].OnsetDate = &onset
		}
	}
	if _, err := dst.InsertCases(ctx, cases); err != nil {
		return fmt.Errorf("seed cases: %w", err)
	}
	return nil
}

func daysBefore(now time.Time, days float64) time.Time {
	return now.Add(-time.Duration(days * float64(24*time.Hour)))
}
