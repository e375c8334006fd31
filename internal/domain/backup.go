package domain

import (
	"encoding/json"
	"time"
)

type BackupType string

const (
	BackupStartup  BackupType = "startup"
	BackupShutdown BackupType = "shutdown"
	BackupManual   BackupType = "manual"
	BackupAuto     BackupType = "auto"
)

func (t BackupType) Valid() bool {
	switch t {
	case BackupStartup, BackupShutdown, BackupManual, BackupAuto:
		return true
	}
	return false
}

// BackupFormatVersion is the version string written into backup metadata.
const BackupFormatVersion = "1.0"

type DataTypes struct {
	Products  int `json:"products"`
	Sales     int `json:"sales"`
	Customers int `json:"customers"`
}

type BackupMetadata struct {
	ID            string     `json:"id,omitempty"`
	Type          BackupType `json:"type,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	Size          int64      `json:"size"`
	Version       string     `json:"version"`
	SchemaVersion int        `json:"schema_version,omitempty"`
	DataTypes     DataTypes  `json:"dataTypes"`
	Hash          string     `json:"hash,omitempty"`
}

// Snapshot is the full point-in-time content of the live collections.
type Snapshot struct {
	Products      []Product        `json:"products"`
	Sales         []Sale           `json:"sales"`
	Customers     []Customer       `json:"customers"`
	CustomerSales CustomerSalesMap `json:"customer_sales"`
	Settings      *Settings        `json:"settings,omitempty"`
}

// BackupFile is the stored and exported representation. Data is kept raw
// so the digest is computed over exactly the bytes that were written.
type BackupFile struct {
	Metadata BackupMetadata  `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

type StoredBackup struct {
	Key      string         `json:"key"`
	Metadata BackupMetadata `json:"metadata"`
}

type BackupStatus struct {
	LastBackup          *time.Time `json:"lastBackup"`
	NextScheduledBackup *time.Time `json:"nextScheduledBackup"`
	TotalBackups        int        `json:"totalBackups"`
}

type BackupResult string

const (
	BackupSucceeded BackupResult = "success"
	BackupFailed    BackupResult = "failed"
)

type BackupHistoryEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Size      int64          `json:"size"`
	Type      BackupType     `json:"type"`
	Status    BackupResult   `json:"status"`
	Locations []string       `json:"locations"`
	Metadata  BackupMetadata `json:"metadata"`
	Error     string         `json:"error,omitempty"`
}

type BackupHistory struct {
	Entries      []BackupHistoryEntry `json:"entries"`
	LastBackup   *time.Time           `json:"lastBackup"`
	TotalBackups int                  `json:"totalBackups"`
	TotalSize    int64                `json:"totalSize"`
}

type BackupFrequency string

const (
	FrequencyDaily   BackupFrequency = "daily"
	FrequencyWeekly  BackupFrequency = "weekly"
	FrequencyMonthly BackupFrequency = "monthly"
)

func (f BackupFrequency) Valid() bool {
	return f == FrequencyDaily || f == FrequencyWeekly || f == FrequencyMonthly
}

type AutoBackupSettings struct {
	Enabled             bool            `json:"enabled"`
	Frequency           BackupFrequency `json:"frequency"`
	LastAutoBackup      *time.Time      `json:"lastAutoBackup"`
	NextScheduledBackup *time.Time      `json:"nextScheduledBackup"`
}

type AutoBackupSettingsUpdate struct {
	Enabled             *bool            `json:"enabled,omitempty"`
	Frequency           *BackupFrequency `json:"frequency,omitempty"`
	LastAutoBackup      *time.Time       `json:"lastAutoBackup,omitempty"`
	NextScheduledBackup *time.Time       `json:"nextScheduledBackup,omitempty"`
}

type RetentionPolicy struct {
	Daily   int `json:"daily" yaml:"daily"`
	Weekly  int `json:"weekly" yaml:"weekly"`
	Monthly int `json:"monthly" yaml:"monthly"`
}

type LocationType string

const (
	LocationLocal    LocationType = "local"
	LocationCloud    LocationType = "cloud"
	LocationExternal LocationType = "external"
)

type BackupLocation struct {
	ID       string       `json:"id" yaml:"id"`
	Name     string       `json:"name" yaml:"name" validate:"required"`
	Type     LocationType `json:"type" yaml:"type" validate:"required,oneof=local cloud external"`
	Path     string       `json:"path,omitempty" yaml:"path"`
	Status   string       `json:"status" yaml:"status" validate:"omitempty,oneof=active inactive"`
	LastSync *time.Time   `json:"lastSync,omitempty" yaml:"-"`
}

const (
	LocationActive   = "active"
	LocationInactive = "inactive"
)

type BackupCopy struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
	Version   string    `json:"version"`
	Hash      string    `json:"hash"`
	Locations []string  `json:"locations"`
}

type RestoreRecord struct {
	Timestamp      time.Time      `json:"timestamp"`
	BackupMetadata BackupMetadata `json:"backupMetadata"`
}

type NotificationLevel string

const (
	NotifySuccess NotificationLevel = "success"
	NotifyWarning NotificationLevel = "warning"
	NotifyError   NotificationLevel = "error"
)

type BackupNotification struct {
	Type      NotificationLevel `json:"type"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
}
