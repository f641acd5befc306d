package config

import "testing"

func TestDSN_SQLiteMemory(t *testing.T) {
	d := DatabaseConfig{Driver: "sqlite", Name: ":memory:", Path: "./data"}
	if got := d.DSN(); got != ":memory:" {
		t.Fatalf("expected :memory:, got %s", got)
	}
}

func TestDSN_SQLiteFile(t *testing.T) {
	d := DatabaseConfig{Driver: "sqlite", Name: "valtimo", Path: "/tmp/db"}
	if got := d.DSN(); got != "/tmp/db/valtimo.db" {
		t.Fatalf("unexpected dsn: %s", got)
	}
	if !d.IsSQLite() {
		t.Fatal("expected IsSQLite")
	}
}

func TestDSN_Postgres(t *testing.T) {
	d := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "valtimo"}
	want := "postgres://u:p@db:5432/valtimo?sslmode=disable"
	if got := d.DSN(); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
