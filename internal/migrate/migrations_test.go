package migrate

import (
	"context"
	"testing"

	"loadline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if v, err := Version(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh db version = %d, %v", v, err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	v, err := Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if want := migrations[len(migrations)-1].Version; v != want {
		t.Fatalf("version = %d, want %d", v, want)
	}
	if _, err := conn.Exec(`INSERT INTO teams(id,name,created_at) VALUES ('t1','Ops','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}
