// Package database provides the console's SQLite store.
//
// The store holds the configuration-push log. Schema changes are plain SQL
// migration files applied in version order:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if _, err := db.Migrate(ctx, migrations.FS, "."); err != nil {
//	    return err
//	}
//
// All queries use parameterised statements and the file is created 0600.
package database
