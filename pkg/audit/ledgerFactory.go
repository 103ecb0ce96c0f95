package audit

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-memrelay/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var NewSpannerLedgerFactory = func(client *spanner.Client) Ledger {
	return &SpannerLedger{client: client}
}

const defaultAuditCollection = "audit_log"

// NewLedger builds the ledger on the same backend family as the outbox store,
// so transitions and their audit records share one database.
func NewLedger(ctx context.Context, cfg config.DbSettings) (Ledger, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &PostgresLedger{db: db}, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		return NewMongoLedger(client, cfg.DBName, defaultAuditCollection), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerLedgerFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
