// Package database opens the hub's SQLite catalogue and applies schema
// migrations.
//
// The catalogue holds sensor registrations and health transition history.
// Samples never touch SQLite; they live in the in-memory ring buffers and,
// optionally, InfluxDB.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive. Each YYYYMMDD_HHMMSS_name.up.sql should have a
// matching .down.sql so MigrateDown can undo it during development.
package database
