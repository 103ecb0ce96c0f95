package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestAppendFillsDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresLedger(db)

	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(sqlmock.AnyArg(), "corr-1", "worker-1", "orders",
			"allow", "flush_success", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	record := &AuditRecord{
		CorrelationID: "corr-1",
		Actor:         "worker-1",
		Target:        "orders",
		Action:        ActionAllow,
		Reason:        ReasonFlushSuccess,
		Evidence:      Evidence{OutboxID: "abc"},
	}

	id, err := ledger.Append(context.Background(), record)
	assert.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, record.ID)
	assert.Equal(t, EvidenceSchemaV1, record.Evidence.SchemaVersion)
	assert.False(t, record.CreatedAt.IsZero())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendWrapsWriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresLedger(db)

	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnError(assert.AnError)

	_, err = ledger.Append(context.Background(), &AuditRecord{
		Action: ActionAllow,
		Reason: ReasonFlushSuccess,
	})
	assert.ErrorIs(t, err, ErrAuditWrite)
}

func TestListWithOutboxEvidence(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresLedger(db)

	since := time.Now().UTC().Add(-time.Hour)
	rows := sqlmock.NewRows([]string{
		"id", "correlation_id", "actor", "target", "action", "reason", "evidence", "created_at",
	}).AddRow(
		"rec-1", "corr-1", "worker-1", "orders", "allow", "flush_success",
		[]byte(`{"schema_version":"v1","outbox_id":"abc","sink_message_id":"m-1"}`),
		time.Now().UTC(),
	)

	mock.ExpectQuery(`SELECT id, correlation_id, actor, target, action, reason, evidence, created_at FROM audit_log`).
		WithArgs(since, 50).
		WillReturnRows(rows)

	records, err := ledger.ListWithOutboxEvidence(context.Background(), since, 50)
	assert.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, ReasonFlushSuccess, records[0].Reason)
	assert.Equal(t, "abc", records[0].Evidence.OutboxID)
	assert.Equal(t, "m-1", records[0].Evidence.SinkMessageID)
}

func TestCountByActionAndSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresLedger(db)

	mock.ExpectQuery(`SELECT action, COUNT\(\*\) FROM audit_log GROUP BY action`).
		WillReturnRows(sqlmock.NewRows([]string{"action", "count"}).
			AddRow("allow", 5).AddRow("redirect", 2))
	mock.ExpectQuery(`SELECT COALESCE\(evidence->>'schema_version', ''\), COUNT\(\*\) FROM audit_log GROUP BY 1`).
		WillReturnRows(sqlmock.NewRows([]string{"schema_version", "count"}).
			AddRow("v1", 7))

	actions, err := ledger.CountByAction(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, map[Action]int{ActionAllow: 5, ActionRedirect: 2}, actions)

	schemas, err := ledger.CountByEvidenceSchema(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, map[string]int{"v1": 7}, schemas)
}
