// Package database owns the whatsmeow device container: the Postgres store
// holding per-device signal keys. The gateway's own credential files only
// point into it.
package database

import (
	"context"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

var Container *sqlstore.Container

func InitWhatsmeow(ctx context.Context, dbURL string, log zerolog.Logger) error {
	container, err := sqlstore.New(ctx, "postgres", dbURL, waLog.Zerolog(log))
	if err != nil {
		return fmt.Errorf("init whatsmeow store: %w", err)
	}
	Container = container
	return nil
}
