package registry

import (
	"fmt"
	"reflect"
	"testing"
)

// testExtractor stands in for the pluggable components the registry holds.
type testExtractor struct {
	ID   string
	Name string
}

func TestBaseRegistry_Register(t *testing.T) {
	registry := NewBaseRegistry[testExtractor]()

	tests := []struct {
		name    string
		item    testExtractor
		wantErr bool
	}{
		{
			name: "register valid item",
			item: testExtractor{
				ID:   "markdown",
				Name: "Markdown Extractor",
			},
			wantErr: false,
		},
		{
			name: "register item with empty name",
			item: testExtractor{
				ID:   "",
				Name: "Anonymous",
			},
			wantErr: true,
		},
		{
			name: "register duplicate item",
			item: testExtractor{
				ID:   "markdown", // Same ID as first test
				Name: "Other Markdown Extractor",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Register(tt.item.ID, tt.item)
			if (err != nil) != tt.wantErr {
				t.Errorf("BaseRegistry.Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBaseRegistry_Get(t *testing.T) {
	registry := NewBaseRegistry[testExtractor]()

	testItem := testExtractor{
		ID:   "text",
		Name: "Plain Text Extractor",
	}
	err := registry.Register("text", testItem)
	if err != nil {
		t.Fatalf("Failed to register test item: %v", err)
	}

	tests := []struct {
		name     string
		itemID   string
		wantItem testExtractor
		wantOk   bool
	}{
		{
			name:     "get existing item",
			itemID:   "text",
			wantItem: testItem,
			wantOk:   true,
		},
		{
			name:     "get non-existing item",
			itemID:   "non-existing",
			wantItem: testExtractor{},
			wantOk:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, ok := registry.Get(tt.itemID)
			if ok != tt.wantOk {
				t.Errorf("BaseRegistry.Get() ok = %v, want %v", ok, tt.wantOk)
			}
			if item != tt.wantItem {
				t.Errorf("BaseRegistry.Get() item = %+v, want %+v", item, tt.wantItem)
			}
		})
	}
}

func TestBaseRegistry_Names(t *testing.T) {
	registry := NewBaseRegistry[testExtractor]()

	for _, id := range []string{"markdown", "text", "code"} {
		if err := registry.Register(id, testExtractor{ID: id}); err != nil {
			t.Fatalf("Failed to register %s: %v", id, err)
		}
	}

	names := registry.Names()
	want := []string{"code", "markdown", "text"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("BaseRegistry.Names() = %v, want %v (sorted)", names, want)
	}
}

func TestBaseRegistry_Remove(t *testing.T) {
	registry := NewBaseRegistry[testExtractor]()

	err := registry.Register("text", testExtractor{ID: "text"})
	if err != nil {
		t.Fatalf("Failed to register test item: %v", err)
	}

	tests := []struct {
		name    string
		itemID  string
		wantErr bool
	}{
		{
			name:    "remove existing item",
			itemID:  "text",
			wantErr: false,
		},
		{
			name:    "remove non-existing item",
			itemID:  "non-existing",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Remove(tt.itemID)
			if (err != nil) != tt.wantErr {
				t.Errorf("BaseRegistry.Remove() error = %v, wantErr %v", err, tt.wantErr)
			}

			if !tt.wantErr {
				_, exists := registry.Get(tt.itemID)
				if exists {
					t.Errorf("BaseRegistry.Remove() item %s still exists after removal", tt.itemID)
				}
			}
		})
	}
}

func TestBaseRegistry_CountAndClear(t *testing.T) {
	registry := NewBaseRegistry[testExtractor]()

	if count := registry.Count(); count != 0 {
		t.Errorf("BaseRegistry.Count() = %v, want %v", count, 0)
	}

	testItems := []testExtractor{
		{ID: "markdown", Name: "Markdown"},
		{ID: "text", Name: "Text"},
	}

	for i, item := range testItems {
		if err := registry.Register(item.ID, item); err != nil {
			t.Fatalf("Failed to register item %s: %v", item.ID, err)
		}

		expectedCount := i + 1
		if count := registry.Count(); count != expectedCount {
			t.Errorf("BaseRegistry.Count() = %v, want %v", count, expectedCount)
		}
	}

	registry.Clear()

	if count := registry.Count(); count != 0 {
		t.Errorf("BaseRegistry.Count() after clear = %v, want %v", count, 0)
	}
	if items := registry.List(); len(items) != 0 {
		t.Errorf("BaseRegistry.List() after clear length = %v, want %v", len(items), 0)
	}
	for _, item := range testItems {
		if _, exists := registry.Get(item.ID); exists {
			t.Errorf("BaseRegistry.Get() item %s still exists after clear", item.ID)
		}
	}
}

func TestBaseRegistry_Concurrency(t *testing.T) {
	registry := NewBaseRegistry[testExtractor]()

	done := make(chan bool, 2)

	go func() {
		defer func() { done <- true }()
		for i := 0; i < 100; i++ {
			item := testExtractor{
				ID:   fmt.Sprintf("concurrent-%d", i),
				Name: fmt.Sprintf("Concurrent Item %d", i),
			}
			_ = registry.Register(item.ID, item)
		}
	}()

	go func() {
		defer func() { done <- true }()
		for i := 0; i < 100; i++ {
			registry.Get(fmt.Sprintf("concurrent-%d", i))
			registry.Count()
			registry.Names()
		}
	}()

	<-done
	<-done

	if count := registry.Count(); count != 100 {
		t.Errorf("BaseRegistry.Count() after concurrent access = %v, want %v", count, 100)
	}
}
