// Package schema defines the structured payloads exchanged with the inference
// service: pattern analysis, risk assessment, alerts and the alert batch.
// Each payload carries validator tags that are enforced at the boundary and
// description/enum tags used to derive the JSON Schema sent to the model.
package schema

import "strings"

// Tier is a low..critical severity level.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// SymptomSeverity grades a symptom cluster.
type SymptomSeverity string

const (
	SymptomMild     SymptomSeverity = "mild"
	SymptomModerate SymptomSeverity = "moderate"
	SymptomSevere   SymptomSeverity = "severe"
)

// ItemRisk grades a food item.
type ItemRisk string

const (
	ItemRiskLow    ItemRisk = "low"
	ItemRiskMedium ItemRisk = "medium"
	ItemRiskHigh   ItemRisk = "high"
)

// AlertType is the kind of action an alert asks for.
type AlertType string

const (
	AlertOutbreak   AlertType = "outbreak"
	AlertInspection AlertType = "inspection"
	AlertViolation  AlertType = "violation"
)

type SymptomCluster struct {
	Symptoms    []string        `json:"symptoms" description:"Symptoms that co-occur in this cluster" validate:"required,min=1,dive,required"`
	Frequency   int             `json:"frequency" description:"Number of cases reporting this cluster" validate:"gte=0"`
	Severity    SymptomSeverity `json:"severity" enum:"mild,moderate,severe" validate:"oneof=mild moderate severe"`
	Description string          `json:"description" description:"Short clinical description of the cluster"`
}

type GeographicPattern struct {
	Region        string  `json:"region" description:"City, postal code or neighbourhood" validate:"required"`
	CaseCount     int     `json:"case_count" validate:"gte=0"`
	Concentration float64 `json:"concentration" description:"Share of all cases located in this region, 0..1" validate:"gte=0"`
	Description   string  `json:"description"`
}

type TemporalPattern struct {
	Timeframe   string  `json:"timeframe" description:"Label for the period, e.g. last 48 hours" validate:"required"`
	Trend       string  `json:"trend" description:"increasing, decreasing or stable" validate:"required"`
	CaseRate    float64 `json:"case_rate" description:"Cases per day in the timeframe" validate:"gte=0"`
	Description string  `json:"description"`
}

type FoodItem struct {
	Name            string   `json:"name" validate:"required"`
	Frequency       int      `json:"frequency" description:"Number of cases that consumed this item" validate:"gte=0"`
	AssociatedCases int      `json:"associated_cases" validate:"gte=0"`
	RiskLevel       ItemRisk `json:"risk_level" enum:"low,medium,high" validate:"oneof=low medium high"`
}

// PatternAnalysis is the output of the first pipeline stage.
type PatternAnalysis struct {
	SymptomClusters    []SymptomCluster    `json:"symptom_clusters" validate:"required,dive"`
	GeographicPatterns []GeographicPattern `json:"geographic_patterns" validate:"required,dive"`
	TemporalPatterns   []TemporalPattern   `json:"temporal_patterns" validate:"required,dive"`
	FoodItems          []FoodItem          `json:"food_items" validate:"required,dive"`
	Summary            string              `json:"summary" description:"One paragraph summary of the findings"`
}

type RiskArea struct {
	Type                   string  `json:"type" description:"Risk category, e.g. contamination or cross-establishment spread" validate:"required"`
	Severity               Tier    `json:"severity" enum:"low,medium,high,critical" validate:"oneof=low medium high critical"`
	Justification          string  `json:"justification"`
	AffectedEstablishments []int64 `json:"affected_establishments" description:"Establishment IDs affected by this risk" validate:"required,dive,gt=0"`
}

// RiskAssessment is the output of the second pipeline stage.
type RiskAssessment struct {
	RiskAreas        []RiskArea `json:"risk_areas" validate:"required,dive"`
	OverallRiskLevel Tier       `json:"overall_risk_level" enum:"low,medium,high,critical" validate:"oneof=low medium high critical"`
}

// Alert is a generated alert candidate. It is not trusted until its
// establishment ID has been checked against the run's fetched data.
type Alert struct {
	EstablishmentID int64     `json:"establishment_id" description:"ID of the establishment the alert is raised against" validate:"gt=0"`
	AlertType       AlertType `json:"alert_type" enum:"outbreak,inspection,violation" validate:"oneof=outbreak inspection violation"`
	Severity        Tier      `json:"severity" enum:"low,medium,high,critical" validate:"oneof=low medium high critical"`
	CaseCount       int       `json:"case_count" validate:"gte=0"`
	Details         string    `json:"details" description:"Why the alert is raised and what to check"`
}

// AlertsResponse wraps the alert batch produced by the third stage.
type AlertsResponse struct {
	Alerts []Alert `json:"alerts" validate:"required,dive"`
}

func canon[S ~string](s S) S {
	return S(strings.ToLower(strings.TrimSpace(string(s))))
}

// normalizer is implemented by payloads whose enum fields may arrive in
// arbitrary case from the model.
type normalizer interface {
	normalize()
}

func (p *PatternAnalysis) normalize() {
	for i := range p.SymptomClusters {
		p.SymptomClusters[i].Severity = canon(p.SymptomClusters[i].Severity)
	}
	for i := range p.FoodItems {
		p.FoodItems[i].RiskLevel = canon(p.FoodItems[i].RiskLevel)
	}
}

func (r *RiskAssessment) normalize() {
	for i := range r.RiskAreas {
		r.RiskAreas[i].Severity = canon(r.RiskAreas[i].Severity)
	}
	r.OverallRiskLevel = canon(r.OverallRiskLevel)
}

func (a *Alert) normalize() {
	a.AlertType = canon(a.AlertType)
	a.Severity = canon(a.Severity)
}

func (r *AlertsResponse) normalize() {
	for i := range r.Alerts {
		r.Alerts[i].normalize()
	}
}
