package prompts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// FileStore is a Store persisted as a JSON array in a single file. Every operation loads the
// file, applies the change and writes it back, so the file can be edited by hand between
// runs.
type FileStore struct {
	mu       sync.Mutex
	filePath string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore backed by filePath. A missing file reads as an empty
// catalog and is created on the first write.
func NewFileStore(filePath string) *FileStore {
	return &FileStore{
		filePath: filePath,
	}
}

func (f *FileStore) load() (map[string]Prompt, error) {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Prompt{}, nil
		}
		return nil, fmt.Errorf("failed to read file %s: %w", f.filePath, err)
	}

	var items []Prompt
	if len(data) > 0 {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal file %s: %w", f.filePath, err)
		}
	}

	prompts := make(map[string]Prompt, len(items))
	for _, p := range items {
		prompts[p.ID] = p
	}
	return prompts, nil
}

func (f *FileStore) save(prompts map[string]Prompt) error {
	items := sorted(prompts)

	itemsJSON, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal prompts: %w", err)
	}

	return os.WriteFile(f.filePath, itemsJSON, 0600)
}

// List implements Store.
func (f *FileStore) List(context.Context) ([]Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prompts, err := f.load()
	if err != nil {
		return nil, err
	}
	return sorted(prompts), nil
}

// Get implements Store.
func (f *FileStore) Get(_ context.Context, id string) (Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prompts, err := f.load()
	if err != nil {
		return Prompt{}, err
	}
	p, ok := prompts[id]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Create implements Store.
func (f *FileStore) Create(_ context.Context, p Prompt) (Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prompts, err := f.load()
	if err != nil {
		return Prompt{}, err
	}
	if _, ok := prompts[p.ID]; ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrExists, p.ID)
	}
	prompts[p.ID] = p

	if err := f.save(prompts); err != nil {
		return Prompt{}, err
	}
	return p, nil
}

// Update implements Store.
func (f *FileStore) Update(_ context.Context, id string, patch Patch) (Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prompts, err := f.load()
	if err != nil {
		return Prompt{}, err
	}
	p, ok := prompts[id]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p = p.apply(patch)
	prompts[id] = p

	if err := f.save(prompts); err != nil {
		return Prompt{}, err
	}
	return p, nil
}

// Delete implements Store.
func (f *FileStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prompts, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := prompts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(prompts, id)

	return f.save(prompts)
}

func sorted(prompts map[string]Prompt) []Prompt {
	list := make([]Prompt, 0, len(prompts))
	for _, p := range prompts {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}
