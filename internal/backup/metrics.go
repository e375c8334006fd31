package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posadmin_backups_total",
		Help: "Backups created by type and result",
	}, []string{"type", "result"})

	backupSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "posadmin_backup_size_bytes",
		Help:    "Serialized size of the data section of created backups",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8), // 1KiB to 16MiB
	})

	backupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "posadmin_backup_duration_seconds",
		Help:    "Time to snapshot, hash and store a backup",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	verifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "posadmin_backup_verify_failures_total",
		Help: "Backups that failed digest verification or could not be loaded",
	})

	restoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posadmin_restores_total",
		Help: "Restore attempts by result",
	}, []string{"result"})

	// copyFailures counts replication failures per location type
	copyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posadmin_backup_copy_failures_total",
		Help: "Backup copies that could not be written to a location",
	}, []string{"location_type"})
)
