package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/GoPolymarket/apigate/internal/config"
	"github.com/GoPolymarket/apigate/internal/model"
	"github.com/GoPolymarket/apigate/internal/pkg/metrics"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrLimitOutOfRange = errors.New("limit must be positive")
	ErrAPINameRequired = errors.New("api name is required")
)

var apiNamePlaceholder = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(config.APINamePlaceholder))

// auditRow 是三张审计表共用的物理行结构
type auditRow struct {
	ID                   int64     `gorm:"column:id;primaryKey;autoIncrement"`
	CallID               string    `gorm:"column:call_id;size:36;not null"`
	APIName              string    `gorm:"column:api_name;size:100;not null"`
	Operation            string    `gorm:"column:operation;size:200;not null"`
	Direction            string    `gorm:"column:direction;size:20;not null"`
	CallerSystem         *string   `gorm:"column:caller_system;size:100"`
	StatusCode           int       `gorm:"column:status_code;not null"`
	ErrorCode            *string   `gorm:"column:error_code;size:100"`
	ErrorMessage         *string   `gorm:"column:error_message;size:2000"`
	HTTPMethod           string    `gorm:"column:http_method;size:10"`
	RequestPath          string    `gorm:"column:request_path;size:500"`
	RequestPayload       *string   `gorm:"column:request_payload;type:text"`
	ResponsePayload      *string   `gorm:"column:response_payload;type:text"`
	CorrelationID        *string   `gorm:"column:correlation_id;size:128"`
	RequestTimestampUTC  time.Time `gorm:"column:request_timestamp_utc;not null"`
	ResponseTimestampUTC time.Time `gorm:"column:response_timestamp_utc;not null"`
	DurationMs           int64     `gorm:"column:duration_ms;not null"`
}

// AuditTables holds the resolved physical table names.
type AuditTables struct {
	Unified  string
	Request  string
	Response string
}

// ResolveTables substitutes the API name into the configured templates.
func ResolveTables(cfg config.AuditConfig) AuditTables {
	return AuditTables{
		Unified:  apiNamePlaceholder.ReplaceAllLiteralString(cfg.TableNameTemplate, cfg.DefaultAPIName),
		Request:  apiNamePlaceholder.ReplaceAllLiteralString(cfg.RequestTableNameTemplate, cfg.DefaultAPIName),
		Response: apiNamePlaceholder.ReplaceAllLiteralString(cfg.ResponseTableNameTemplate, cfg.DefaultAPIName),
	}
}

// GormAuditStore persists audit records in Single or Split table mode.
type GormAuditStore struct {
	db            *gorm.DB
	mode          model.TableMode
	schema        string
	tables        AuditTables
	retentionDays *int
	now           func() time.Time
}

// NewGormAuditStore validates cfg and resolves table names once.
func NewGormAuditStore(db *gorm.DB, cfg config.AuditConfig) (*GormAuditStore, error) {
	if db == nil {
		return nil, errors.New("audit store requires a database")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := &GormAuditStore{
		db:            db,
		mode:          cfg.Mode(),
		tables:        ResolveTables(cfg),
		retentionDays: cfg.RetentionDays,
		now:           func() time.Time { return time.Now().UTC() },
	}
	// SQLite 没有 schema 概念, 只在支持的引擎上加前缀
	if supportsSchemas(db) {
		store.schema = cfg.Schema
	}
	return store, nil
}

// WithClock overrides the time source used for retention cutoffs.
func (s *GormAuditStore) WithClock(now func() time.Time) *GormAuditStore {
	s.now = now
	return s
}

func (s *GormAuditStore) Mode() model.TableMode { return s.mode }

// ActiveTables lists the qualified tables the current mode writes to.
func (s *GormAuditStore) ActiveTables() []string {
	if s.mode == model.TableModeSplit {
		return []string{s.qualify(s.tables.Request), s.qualify(s.tables.Response)}
	}
	return []string{s.qualify(s.tables.Unified)}
}

func (s *GormAuditStore) qualify(table string) string {
	if s.schema == "" {
		return table
	}
	return s.schema + "." + table
}

func supportsSchemas(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// Migrate creates the schema, tables and indexes of the active mode.
func (s *GormAuditStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if s.schema != "" {
		if err := db.Exec("CREATE SCHEMA IF NOT EXISTS ?", clause.Table{Name: s.schema}).Error; err != nil {
			return fmt.Errorf("create audit schema: %w", err)
		}
	}

	for _, table := range s.ActiveTables() {
		if err := db.Table(table).AutoMigrate(&auditRow{}); err != nil {
			return fmt.Errorf("migrate %s: %w", table, err)
		}
		if err := s.ensureIndexes(db, table); err != nil {
			return fmt.Errorf("index %s: %w", table, err)
		}
	}
	return nil
}

func (s *GormAuditStore) ensureIndexes(db *gorm.DB, table string) error {
	base := strings.ToLower(table[strings.LastIndex(table, ".")+1:])
	indexes := []struct {
		suffix  string
		columns []string
	}{
		{"api_name", []string{"api_name"}},
		{"correlation_id", []string{"correlation_id"}},
		{"call_id", []string{"call_id"}},
		{"api_op_ts", []string{"api_name", "operation", "request_timestamp_utc"}},
	}
	for _, idx := range indexes {
		placeholders := make([]string, len(idx.columns))
		args := []interface{}{clause.Column{Name: "ix_" + base + "_" + idx.suffix}, clause.Table{Name: table}}
		for i, col := range idx.columns {
			placeholders[i] = "?"
			args = append(args, clause.Column{Name: col})
		}
		sql := "CREATE INDEX IF NOT EXISTS ? ON ? (" + strings.Join(placeholders, ", ") + ")"
		if err := db.Exec(sql, args...).Error; err != nil {
			return err
		}
	}
	return nil
}

// Save writes one logical record. In Split mode the request and response
// rows are inserted in one transaction. Errors are returned as-is; the
// caller decides whether an audit failure matters.
func (s *GormAuditStore) Save(ctx context.Context, record model.AuditRecord) error {
	db := s.db.WithContext(ctx)
	callID := uuid.New().String()

	if s.mode != model.TableModeSplit {
		row := shapeRow(record, callID)
		if row.Direction == "" {
			row.Direction = string(model.TableModeSingle)
		}
		return db.Table(s.qualify(s.tables.Unified)).Create(&row).Error
	}

	reqRow, respRow := splitRows(record, callID)
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(s.qualify(s.tables.Request)).Create(&reqRow).Error; err != nil {
			return err
		}
		return tx.Table(s.qualify(s.tables.Response)).Create(&respRow).Error
	})
}

// GetRecent returns at most limit records for apiName, newest first.
func (s *GormAuditStore) GetRecent(ctx context.Context, apiName string, limit int) ([]model.AuditRecord, error) {
	if strings.TrimSpace(apiName) == "" {
		return nil, ErrAPINameRequired
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrLimitOutOfRange, limit)
	}

	db := s.db.WithContext(ctx)
	primary := s.tables.Unified
	if s.mode == model.TableModeSplit {
		primary = s.tables.Request
	}

	var rows []auditRow
	err := db.Table(s.qualify(primary)).
		Where("api_name = ?", apiName).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	records := make([]model.AuditRecord, 0, len(rows))
	if s.mode != model.TableModeSplit || len(rows) == 0 {
		for _, row := range rows {
			records = append(records, row.toRecord())
		}
		return records, nil
	}

	// 拆表模式: 按 call_id 合并响应行
	callIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		callIDs = append(callIDs, row.CallID)
	}
	var responses []auditRow
	err = db.Table(s.qualify(s.tables.Response)).
		Where("call_id IN ?", callIDs).
		Find(&responses).Error
	if err != nil {
		return nil, err
	}
	byCall := make(map[string]auditRow, len(responses))
	for _, resp := range responses {
		byCall[resp.CallID] = resp
	}
	for _, row := range rows {
		record := row.toRecord()
		record.Direction = string(model.TableModeSplit)
		if resp, ok := byCall[row.CallID]; ok {
			record.ResponsePayload = deref(resp.ResponsePayload)
		}
		records = append(records, record)
	}
	return records, nil
}

// PurgeExpired deletes rows whose response timestamp is strictly older
// than now - RetentionDays. Each table is swept independently.
func (s *GormAuditStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s.retentionDays == nil {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -*s.retentionDays)

	var total int64
	for _, table := range s.ActiveTables() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		removed, err := s.purgeTable(ctx, table, cutoff)
		total += removed
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
	}
	return total, nil
}

func (s *GormAuditStore) purgeTable(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Table(table).
		Where("response_timestamp_utc < ?", cutoff).
		Delete(&auditRow{})
	if result.Error == nil {
		metrics.AuditRowsPurged.WithLabelValues(table).Add(float64(result.RowsAffected))
	}
	return result.RowsAffected, result.Error
}

// shapeRow is the common row-shaping helper for every layout.
func shapeRow(record model.AuditRecord, callID string) auditRow {
	return auditRow{
		CallID:               callID,
		APIName:              record.APIName,
		Operation:            record.Operation,
		Direction:            record.Direction,
		CallerSystem:         nullable(record.CallerSystem),
		StatusCode:           record.StatusCode,
		ErrorCode:            nullable(record.ErrorCode),
		ErrorMessage:         nullable(record.ErrorMessage),
		HTTPMethod:           record.HTTPMethod,
		RequestPath:          record.RequestPath,
		RequestPayload:       nullable(record.RequestPayload),
		ResponsePayload:      nullable(record.ResponsePayload),
		CorrelationID:        nullable(record.CorrelationID),
		RequestTimestampUTC:  record.RequestTimestampUTC.UTC(),
		ResponseTimestampUTC: record.ResponseTimestampUTC.UTC(),
		DurationMs:           record.DurationMs,
	}
}

func splitRows(record model.AuditRecord, callID string) (auditRow, auditRow) {
	reqRow := shapeRow(record, callID)
	reqRow.Direction = model.DirectionRequest
	reqRow.ResponsePayload = nil

	respRow := shapeRow(record, callID)
	respRow.Direction = model.DirectionResponse
	respRow.RequestPayload = nil
	return reqRow, respRow
}

func (r auditRow) toRecord() model.AuditRecord {
	return model.AuditRecord{
		ID:                   r.ID,
		APIName:              r.APIName,
		Operation:            r.Operation,
		Direction:            r.Direction,
		CallerSystem:         deref(r.CallerSystem),
		StatusCode:           r.StatusCode,
		ErrorCode:            deref(r.ErrorCode),
		ErrorMessage:         deref(r.ErrorMessage),
		HTTPMethod:           r.HTTPMethod,
		RequestPath:          r.RequestPath,
		RequestPayload:       deref(r.RequestPayload),
		ResponsePayload:      deref(r.ResponsePayload),
		CorrelationID:        deref(r.CorrelationID),
		RequestTimestampUTC:  r.RequestTimestampUTC.UTC(),
		ResponseTimestampUTC: r.ResponseTimestampUTC.UTC(),
		DurationMs:           r.DurationMs,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
