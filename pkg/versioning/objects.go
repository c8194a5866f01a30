// Package versioning implements the shadow checkpoint store that backs
// dialog checkpoints, work sessions, and the approval flow.
//
// The store is content-addressed: blobs, trees, and commits are hashed
// with SHA-1 over a "type <len>\0" header plus payload and written as
// zlib-compressed loose objects under objects/<hh>/<rest>. Objects are
// immutable; history is a chain of commits reachable from branch refs.
// The project's own .git is never touched.
package versioning

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Object types stored in the shadow repository.
const (
	TypeBlob   = "blob"
	TypeTree   = "tree"
	TypeCommit = "commit"
)

// FileMode is the mode recorded for every tracked file. The store does
// not preserve the executable bit; restore writes regular files.
const FileMode = 0o100644

// DirMode marks a subtree entry.
const DirMode = 0o040000

// HashObject computes the content address for a typed payload.
func HashObject(objType string, payload []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", objType, len(payload))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// StableHash returns a 13-character SHA-1 prefix used for chunk and
// result identifiers.
func StableHash(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])[:13]
}

// Store reads and writes loose objects under a directory.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at the given objects directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) objectPath(id string) string {
	return filepath.Join(s.dir, id[:2], id[2:])
}

// Has reports whether an object exists.
func (s *Store) Has(id string) bool {
	_, err := os.Stat(s.objectPath(id))
	return err == nil
}

// Put writes a typed payload and returns its id. Existing objects are
// left untouched; equal content always hashes to the same id.
func (s *Store) Put(objType string, payload []byte) (string, error) {
	id := HashObject(objType, payload)
	path := s.objectPath(id)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create object dir: %w", err)
	}

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, 6)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(zw, "%s %d\x00", objType, len(payload))
	if _, err := zw.Write(payload); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return id, nil
}

// Get reads an object, returning its type and payload.
func (s *Store) Get(id string) (string, []byte, error) {
	if len(id) < 3 {
		return "", nil, fmt.Errorf("invalid object id %q", id)
	}
	f, err := os.Open(s.objectPath(id))
	if err != nil {
		return "", nil, fmt.Errorf("object %s not found: %w", id, err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return "", nil, fmt.Errorf("corrupt object %s: %w", id, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", nil, fmt.Errorf("corrupt object %s: %w", id, err)
	}

	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return "", nil, fmt.Errorf("corrupt object %s: missing header", id)
	}
	header := string(raw[:nul])
	objType, _, ok := strings.Cut(header, " ")
	if !ok {
		return "", nil, fmt.Errorf("corrupt object %s: bad header %q", id, header)
	}
	return objType, raw[nul+1:], nil
}

// TreeEntry is one name in a tree object.
type TreeEntry struct {
	Mode int
	Name string
	ID   string
}

// IsDir reports whether the entry points at a subtree.
func (e TreeEntry) IsDir() bool {
	return e.Mode == DirMode
}

// encodeTree serializes entries as lines of "mode type id name".
// Entries are sorted by name so equal trees hash identically.
func encodeTree(entries []TreeEntry) []byte {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	for _, e := range sorted {
		objType := TypeBlob
		if e.IsDir() {
			objType = TypeTree
		}
		fmt.Fprintf(&buf, "%06o %s %s\t%s\n", e.Mode, objType, e.ID, e.Name)
	}
	return buf.Bytes()
}

func decodeTree(payload []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	for _, line := range strings.Split(string(payload), "\n") {
		if line == "" {
			continue
		}
		meta, name, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("corrupt tree entry %q", line)
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			return nil, fmt.Errorf("corrupt tree entry %q", line)
		}
		mode, err := strconv.ParseInt(fields[0], 8, 32)
		if err != nil {
			return nil, fmt.Errorf("corrupt tree mode %q", fields[0])
		}
		entries = append(entries, TreeEntry{Mode: int(mode), Name: name, ID: fields[2]})
	}
	return entries, nil
}

// PutTree stores a tree object.
func (s *Store) PutTree(entries []TreeEntry) (string, error) {
	return s.Put(TypeTree, encodeTree(entries))
}

// GetTree reads a tree object.
func (s *Store) GetTree(id string) ([]TreeEntry, error) {
	objType, payload, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if objType != TypeTree {
		return nil, fmt.Errorf("object %s is a %s, not a tree", id, objType)
	}
	return decodeTree(payload)
}

// Commit is a snapshot of the project plus its ancestry.
type Commit struct {
	Tree    string
	Parents []string
	Author  string
	Time    time.Time
	Message string
}

const commitAuthor = "AgentSmithy Versioning <versioning@agentsmithy.local>"

func encodeCommit(c *Commit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s %d +0000\n", c.Author, c.Time.Unix())
	buf.WriteString("\n")
	buf.WriteString(c.Message)
	return buf.Bytes()
}

func decodeCommit(payload []byte) (*Commit, error) {
	header, message, _ := strings.Cut(string(payload), "\n\n")
	c := &Commit{Message: message}
	for _, line := range strings.Split(header, "\n") {
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		switch key {
		case "tree":
			c.Tree = value
		case "parent":
			c.Parents = append(c.Parents, value)
		case "author":
			fields := strings.Fields(value)
			if len(fields) >= 2 {
				if ts, err := strconv.ParseInt(fields[len(fields)-2], 10, 64); err == nil {
					c.Time = time.Unix(ts, 0).UTC()
					c.Author = strings.Join(fields[:len(fields)-2], " ")
					continue
				}
			}
			c.Author = value
		}
	}
	if c.Tree == "" {
		return nil, fmt.Errorf("corrupt commit: missing tree")
	}
	return c, nil
}

// PutCommit stores a commit object and returns its id.
func (s *Store) PutCommit(c *Commit) (string, error) {
	if c.Author == "" {
		c.Author = commitAuthor
	}
	if c.Time.IsZero() {
		c.Time = time.Now().UTC()
	}
	return s.Put(TypeCommit, encodeCommit(c))
}

// GetCommit reads a commit object.
func (s *Store) GetCommit(id string) (*Commit, error) {
	objType, payload, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if objType != TypeCommit {
		return nil, fmt.Errorf("object %s is a %s, not a commit", id, objType)
	}
	return decodeCommit(payload)
}

// GetBlob reads a blob object's content.
func (s *Store) GetBlob(id string) ([]byte, error) {
	objType, payload, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if objType != TypeBlob {
		return nil, fmt.Errorf("object %s is a %s, not a blob", id, objType)
	}
	return payload, nil
}
