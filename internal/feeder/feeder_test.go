package feeder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/torosent/crankswarm/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestCSVFeederCycles(t *testing.T) {
	path := writeFile(t, "users.csv", `user_id,email,name
1,alice@example.com,Alice
2,bob@example.com,Bob
3,charlie@example.com,Charlie`)

	f, err := Load(config.DataConfig{Path: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Len() != 3 {
		t.Errorf("Len() = %d, want 3", f.Len())
	}

	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		rec, err := f.Next(ctx)
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		ids = append(ids, rec["user_id"])
	}
	if got := strings.Join(ids, ","); got != "1,2,3,1" {
		t.Errorf("record order = %s, want 1,2,3,1", got)
	}
}

func TestJSONFeederKeepsValueText(t *testing.T) {
	path := writeFile(t, "products.json", `[
		{"product_id": "p1", "name": "Widget", "price": 19.99, "stock": 1000000, "tags": ["a","b"]},
		{"product_id": "p2", "name": "Gadget", "price": 29.99, "active": true}
	]`)

	f, err := Load(config.DataConfig{Path: path, Unique: true})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ctx := context.Background()
	rec1, err := f.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if rec1["name"] != "Widget" || rec1["price"] != "19.99" || rec1["stock"] != "1000000" || rec1["tags"] != `["a","b"]` {
		t.Errorf("first record = %v", rec1)
	}
	rec2, err := f.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if rec2["product_id"] != "p2" || rec2["active"] != "true" {
		t.Errorf("second record = %v", rec2)
	}

	if _, err := f.Next(ctx); !errors.Is(err, ErrExhausted) {
		t.Errorf("unique feeder should be exhausted, got %v", err)
	}
}

func TestLoadHonoursDeclaredType(t *testing.T) {
	path := writeFile(t, "accounts.data", "id\n7\n")
	f, err := Load(config.DataConfig{Path: path, Type: "csv"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rec, err := f.Next(context.Background())
	if err != nil || rec["id"] != "7" {
		t.Fatalf("Next() = %v, %v", rec, err)
	}

	if _, err := Load(config.DataConfig{Path: path}); err == nil {
		t.Fatal("expected error when the type cannot be inferred")
	}
}

func TestFeederConcurrentAccess(t *testing.T) {
	rows := []string{"id,value"}
	for i := 1; i <= 100; i++ {
		rows = append(rows, fmt.Sprintf("%d,value-%d", i, i))
	}
	path := writeFile(t, "concurrent.csv", strings.Join(rows, "\n"))

	f, err := Load(config.DataConfig{Path: path, Unique: true})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ctx := context.Background()
	const workers = 50
	var wg sync.WaitGroup
	records := make(chan Record, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.Next(ctx)
			if err != nil {
				t.Errorf("Next() error = %v", err)
				return
			}
			records <- rec
		}()
	}
	wg.Wait()
	close(records)

	seen := make(map[string]bool)
	for rec := range records {
		if seen[rec["id"]] {
			t.Errorf("duplicate record ID: %s", rec["id"])
		}
		seen[rec["id"]] = true
	}
	if len(seen) != workers {
		t.Errorf("got %d distinct records, want %d", len(seen), workers)
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"empty csv", "empty.csv", ""},
		{"header only", "header.csv", "id,name\n"},
		{"ragged csv", "ragged.csv", "id,name\n1\n"},
		{"invalid json", "invalid.json", `{invalid json`},
		{"json object", "object.json", `{"id": 1}`},
		{"empty json array", "empty.json", `[]`},
		{"json scalar record", "scalar.json", `[1, 2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			if _, err := Load(config.DataConfig{Path: path}); err == nil {
				t.Fatal("Load() error = nil, want error")
			}
		})
	}

	if _, err := ReadCSV("/nonexistent/path/file.csv"); err == nil {
		t.Fatal("ReadCSV() with missing file error = nil, want error")
	}
}

func TestFeederContextCancellation(t *testing.T) {
	f := New([]Record{{"id": "1"}}, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() with cancelled context error = %v, want context.Canceled", err)
	}
}
