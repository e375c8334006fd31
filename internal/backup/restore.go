package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/integrity"
	"posadmin/backend/internal/store"
)

// RestoreBackup replaces the live collections with the content of a backup
// file read from r. Nothing is written unless the whole file validates.
func (e *Engine) RestoreBackup(ctx context.Context, r io.Reader) (domain.BackupMetadata, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return domain.BackupMetadata{}, fmt.Errorf("read backup file: %w", err)
	}
	file, err := ParseFile(raw)
	if err != nil {
		restoresTotal.WithLabelValues("invalid").Inc()
		return domain.BackupMetadata{}, err
	}
	return e.restore(ctx, file)
}

// RestoreStoredBackup restores a backup kept in the substrate.
func (e *Engine) RestoreStoredBackup(ctx context.Context, key string) (domain.BackupMetadata, error) {
	file, err := e.LoadBackup(ctx, key)
	if err != nil {
		return domain.BackupMetadata{}, err
	}
	return e.restore(ctx, file)
}

func (e *Engine) restore(ctx context.Context, file domain.BackupFile) (domain.BackupMetadata, error) {
	if problems := ValidateData(file.Data); len(problems) > 0 {
		restoresTotal.WithLabelValues("invalid").Inc()
		return domain.BackupMetadata{}, fmt.Errorf("%w: %w", ErrInvalidBackup, &integrity.IntegrityError{Problems: problems})
	}
	if file.Metadata.Hash != "" {
		sum, err := Digest(file.Data)
		if err != nil {
			return domain.BackupMetadata{}, err
		}
		if sum != file.Metadata.Hash {
			restoresTotal.WithLabelValues("invalid").Inc()
			return domain.BackupMetadata{}, fmt.Errorf("%w: %w", ErrInvalidBackup,
				&integrity.IntegrityError{Problems: []string{"content digest does not match metadata"}})
		}
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(file.Data, &snap); err != nil {
		restoresTotal.WithLabelValues("invalid").Inc()
		return domain.BackupMetadata{}, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if snap.CustomerSales == nil {
		snap.CustomerSales = domain.CustomerSalesMap{}
	}
	if snap.Customers == nil {
		snap.Customers = []domain.Customer{}
	}
	snap.Customers = domain.EnsureWalkIn(snap.Customers, e.db.Now())

	batch := []store.Pending{
		{Name: store.KeyProducts, Value: snap.Products},
		{Name: store.KeySales, Value: snap.Sales},
		{Name: store.KeyCustomers, Value: snap.Customers},
		{Name: store.KeyCustomerSales, Value: snap.CustomerSales},
	}
	if snap.Settings != nil {
		batch = append(batch, store.Pending{Name: store.KeySettings, Value: snap.Settings})
	}
	if err := e.db.WriteAll(ctx, batch); err != nil {
		restoresTotal.WithLabelValues("failed").Inc()
		return domain.BackupMetadata{}, fmt.Errorf("restore collections: %w", err)
	}

	record := domain.RestoreRecord{Timestamp: e.db.Now(), BackupMetadata: file.Metadata}
	err := e.db.Mutate(ctx, store.KeyRestoreHistory, func(current json.RawMessage, present bool) (any, error) {
		var records []domain.RestoreRecord
		if present {
			if err := json.Unmarshal(current, &records); err != nil {
				return nil, err
			}
		}
		return append(records, record), nil
	})
	if err != nil {
		e.log.Error("record restore history", "error", err)
	}

	restoresTotal.WithLabelValues("success").Inc()
	e.log.Info("backup restored", "id", file.Metadata.ID, "products", len(snap.Products), "sales", len(snap.Sales), "customers", len(snap.Customers))
	return file.Metadata, nil
}

// RestoreHistory lists past restores, oldest first.
func (e *Engine) RestoreHistory(ctx context.Context) ([]domain.RestoreRecord, error) {
	var records []domain.RestoreRecord
	if _, err := e.db.Read(ctx, store.KeyRestoreHistory, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []domain.RestoreRecord{}
	}
	return records, nil
}

// ValidateData checks the structure of a backup data section and returns
// every problem found.
func ValidateData(data json.RawMessage) []string {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return []string{"Backup data is not an object"}
	}

	problems := []string{}
	products, ok := records(sections["products"])
	if !ok {
		problems = append(problems, "Products data is missing or invalid")
	}
	sales, ok := records(sections["sales"])
	if !ok {
		problems = append(problems, "Sales data is missing or invalid")
	}
	customers, ok := records(sections["customers"])
	if !ok {
		problems = append(problems, "Customers data is missing or invalid")
	}
	if raw, present := sections["customer_sales"]; present && !isEmpty(raw) {
		var index map[string]json.RawMessage
		if err := json.Unmarshal(raw, &index); err != nil {
			problems = append(problems, "Customer sales data is invalid")
		}
	}

	for i, p := range products {
		if !hasString(p, "id") || !hasString(p, "name") || !hasNumber(p, "price") {
			problems = append(problems, fmt.Sprintf("Invalid product at index %d", i))
		}
	}
	for i, s := range sales {
		if !hasString(s, "id") || !hasString(s, "customer_id") || !hasArray(s, "products") {
			problems = append(problems, fmt.Sprintf("Invalid sale at index %d", i))
		}
	}
	for i, c := range customers {
		if !hasString(c, "id") || !hasString(c, "name") {
			problems = append(problems, fmt.Sprintf("Invalid customer at index %d", i))
		}
	}
	return problems
}

func records(raw json.RawMessage) ([]map[string]json.RawMessage, bool) {
	if isEmpty(raw) {
		return nil, false
	}
	var out []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

func hasString(rec map[string]json.RawMessage, field string) bool {
	var s string
	return json.Unmarshal(rec[field], &s) == nil && s != ""
}

func hasNumber(rec map[string]json.RawMessage, field string) bool {
	var n float64
	return !isEmpty(rec[field]) && json.Unmarshal(rec[field], &n) == nil
}

func hasArray(rec map[string]json.RawMessage, field string) bool {
	var a []json.RawMessage
	return !isEmpty(rec[field]) && json.Unmarshal(rec[field], &a) == nil
}

// IsIntegrityError reports whether err carries an enumerated problem list.
func IsIntegrityError(err error) bool {
	var ie *integrity.IntegrityError
	return errors.As(err, &ie)
}
