package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"chanrelay/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	name := "channels.db"
	if driver == DriverFile {
		name = "channels.json"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "data", name)}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreDrivers(t *testing.T) {
	for _, driver := range []string{DriverSQLite, DriverFile} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st := openTestStore(t, driver)

			a, err := st.Create(ctx, Channel{Name: " news "})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if a.ID == 0 || a.Name != "news" || a.CreatedAt.IsZero() {
				t.Fatalf("unexpected created record: %+v", a)
			}
			if _, err := st.Create(ctx, Channel{Name: "NEWS"}); !errors.Is(err, ErrConflict) {
				t.Fatalf("duplicate Create = %v, want ErrConflict", err)
			}
			b, err := st.Create(ctx, Channel{Name: "deals", Disabled: true})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			all, err := st.List(ctx, ListOptions{})
			if err != nil || len(all) != 2 || all[0].ID != a.ID || all[1].ID != b.ID {
				t.Fatalf("List = %+v, %v", all, err)
			}
			enabled, err := st.List(ctx, ListOptions{EnabledOnly: true})
			if err != nil || len(enabled) != 1 || enabled[0].Name != "news" {
				t.Fatalf("List(enabled) = %+v, %v", enabled, err)
			}

			got, err := st.GetByName(ctx, "News")
			if err != nil || got.ID != a.ID {
				t.Fatalf("GetByName = %+v, %v", got, err)
			}
			if _, err := st.Get(ctx, 999); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(999) = %v, want ErrNotFound", err)
			}

			b.Disabled = false
			upd, err := st.Update(ctx, b)
			if err != nil || upd.Disabled || upd.Name != "deals" {
				t.Fatalf("Update = %+v, %v", upd, err)
			}
			if _, err := st.Update(ctx, Channel{ID: b.ID, Name: "news"}); !errors.Is(err, ErrConflict) {
				t.Fatalf("rename onto taken name = %v, want ErrConflict", err)
			}
			if _, err := st.Update(ctx, Channel{ID: 999, Name: "x"}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Update(999) = %v, want ErrNotFound", err)
			}

			if err := st.Delete(ctx, a.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := st.Delete(ctx, a.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second Delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "channels.json")
	st, err := Open(Config{Driver: DriverFile, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first, _ := st.Create(ctx, Channel{Name: "a"})
	second, _ := st.Create(ctx, Channel{Name: "b"})
	_ = st.Delete(ctx, second.ID)
	_ = st.Close()

	st, err = Open(Config{Driver: DriverFile, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	all, _ := st.List(ctx, ListOptions{})
	if len(all) != 1 || all[0].ID != first.ID {
		t.Fatalf("after reopen List = %+v", all)
	}
	third, _ := st.Create(ctx, Channel{Name: "c"})
	if third.ID <= second.ID {
		t.Fatalf("ids reused: got %d after deleted %d", third.ID, second.ID)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis", Path: filepath.Join(t.TempDir(), "x")}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
