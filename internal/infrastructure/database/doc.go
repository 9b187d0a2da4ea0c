// Package database provides the agent's SQLite store.
//
// It opens the database with WAL mode and a busy timeout, and applies
// schema migrations read from an fs.FS (the migrations package embeds
// them into the binary).
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or carry a default.
package database
