package domain

import "time"

type ValidationResult struct {
	IsValid     bool      `json:"isValid"`
	Issues      []string  `json:"issues"`
	LastChecked time.Time `json:"lastChecked"`
}

type HealthStatus string

const (
	Healthy       HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

type HealthIssue struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthMetrics struct {
	DataSize    int64      `json:"dataSize"`
	LastBackup  *time.Time `json:"lastBackup"`
	BackupCount int        `json:"backupCount"`
}

type SystemHealth struct {
	Status    HealthStatus  `json:"status"`
	LastCheck time.Time     `json:"lastCheck"`
	Issues    []HealthIssue `json:"issues"`
	Metrics   HealthMetrics `json:"metrics"`
}

type InvalidLineItem struct {
	SaleID    string `json:"sale_id"`
	ProductID string `json:"product_id"`
}

type RelationReport struct {
	OrphanedSales   []Sale            `json:"orphanedSales"`
	InvalidProducts []InvalidLineItem `json:"invalidProducts"`
}

func (r RelationReport) Empty() bool {
	return len(r.OrphanedSales) == 0 && len(r.InvalidProducts) == 0
}
