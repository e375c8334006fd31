package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("collection changed by another writer")
	ErrQuotaExceeded     = errors.New("substrate quota exceeded")
	ErrForbidden         = errors.New("permission denied")
	ErrProductReferenced = errors.New("product is referenced by a sale")
	ErrWalkInCustomer    = errors.New("walk-in customer cannot be deleted")
)

// DefaultCapacity is the substrate quota used when none is configured.
const DefaultCapacity int64 = 5 * 1024 * 1024

// Substrate is the persistent string key/value store every collection lives in.
// It is shared by all processes pointed at the same backend and offers no
// transactions beyond the single-key CompareAndSwap.
type Substrate interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	// Remove is a no-op for missing keys.
	Remove(ctx context.Context, key string) error
	// CompareAndSwap writes value only if the key currently holds old
	// (or is absent when oldPresent is false).
	CompareAndSwap(ctx context.Context, key string, old string, oldPresent bool, value string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	// Usage is the number of bytes held, counted as len(key)+len(value).
	Usage(ctx context.Context) (int64, error)
	Close() error
}

// Collection and metadata keys.
const (
	KeyProducts            = "products"
	KeySales               = "sales"
	KeyCustomers           = "customers"
	KeyCustomerSales       = "customer_sales"
	KeySettings            = "settings"
	KeyDBVersion           = "db_version"
	KeyBackupsList         = "backups_list"
	KeyBackupStatus        = "backups"
	KeyBackupHistory       = "backup_history"
	KeyBackupInProgress    = "backup_in_progress"
	KeyAutoBackupSettings  = "auto_backup_settings"
	KeyBackupLocations     = "backup_locations"
	KeyBackupCopies        = "backup_copies"
	KeyRestoreHistory      = "restore_history"
	KeyBackupNotifications = "backup_notifications"
	KeyUsers               = "users"
)
