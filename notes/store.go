package notes

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"voicenotes/log"
)

var (
	ErrPersistence = errors.New("persistence error")
	ErrNotFound    = errors.New("note not found")
	ErrDuplicateID = errors.New("duplicate note id")
)

type Store interface {
	List() ([]Note, error)
	Append(n Note) error
	Remove(id string) error
	Get(id string) (Note, error)
	Search(query string) ([]Note, error)
	Close() error
}

// blob is where a collection keeps its serialized form. Every write replaces
// the whole value.
type blob interface {
	read() (data []byte, found bool, err error)
	write(data []byte) error
	// quarantine moves an unreadable value aside and reports where.
	quarantine() (string, error)
	close() error
	String() string
}

type collection struct {
	mu sync.Mutex
	b  blob
}

func (c *collection) load() ([]Note, error) {
	data, found, err := c.b.read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrPersistence, c.b, err)
	}
	if !found || len(data) == 0 {
		return []Note{}, nil
	}
	var notes []Note
	if err := json.Unmarshal(data, &notes); err != nil {
		moved, qerr := c.b.quarantine()
		if qerr != nil {
			return nil, fmt.Errorf("%w: %s is not a valid note list and could not be moved aside: %v", ErrPersistence, c.b, qerr)
		}
		log.Warnf("notes: %s is not a valid note list, moved to %s: %v", c.b, moved, err)
		return []Note{}, nil
	}
	if notes == nil {
		notes = []Note{}
	}
	return notes, nil
}

func (c *collection) store(notes []Note) error {
	data, err := json.Marshal(notes)
	if err != nil {
		return fmt.Errorf("%w: encoding notes: %v", ErrPersistence, err)
	}
	if err := c.b.write(data); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrPersistence, c.b, err)
	}
	return nil
}

func (c *collection) List() ([]Note, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

// Append puts n at the front of the collection.
func (c *collection) Append(n Note) error {
	if n.ID == "" {
		return fmt.Errorf("%w: note has no id", ErrPersistence)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	notes, err := c.load()
	if err != nil {
		return err
	}
	if slices.ContainsFunc(notes, func(existing Note) bool { return existing.ID == n.ID }) {
		return fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
	}
	return c.store(append([]Note{n}, notes...))
}

func (c *collection) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	notes, err := c.load()
	if err != nil {
		return err
	}
	i := slices.IndexFunc(notes, func(n Note) bool { return n.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.store(slices.Delete(notes, i, i+1))
}

func (c *collection) Get(id string) (Note, error) {
	notes, err := c.List()
	if err != nil {
		return Note{}, err
	}
	for _, n := range notes {
		if n.ID == id {
			return n, nil
		}
	}
	return Note{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Search returns notes whose title contains query, case-insensitively, in
// store order. An empty query matches everything.
func (c *collection) Search(query string) ([]Note, error) {
	notes, err := c.List()
	if err != nil {
		return nil, err
	}
	return Filter(notes, query), nil
}

func (c *collection) Close() error {
	return c.b.close()
}

// String names where the collection lives.
func (c *collection) String() string { return c.b.String() }

func Filter(notes []Note, query string) []Note {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return notes
	}
	var out []Note
	for _, n := range notes {
		if strings.Contains(strings.ToLower(n.Title), query) {
			out = append(out, n)
		}
	}
	return out
}
