// Package filestore provides an AttributeStore persisted in a local file in
// dotenv (KEY="value") format.
package filestore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ValentinKolb/dGrid/lib/attrstore"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("attrstore")

type storeImpl struct {
	path   string
	mu     sync.Mutex
	closed bool
}

// NewFileStore creates an attribute store backed by the file at path. The file
// and its parent directories are created on the first write.
func NewFileStore(path string) attrstore.AttributeStore {
	return &storeImpl{path: path}
}

// --------------------------------------------------------------------------
// Internal file handling
// --------------------------------------------------------------------------

// load reads the whole file. A missing file is an empty store.
func (s *storeImpl) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read attribute file %s", s.path)
	}
	env, err := godotenv.UnmarshalBytes(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse attribute file %s", s.path)
	}
	return env, nil
}

// store replaces the file atomically (write temp file, then rename).
func (s *storeImpl) store(env map[string]string) error {
	content := marshal(env)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "failed to write %s", tmp.Name())
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "failed to sync %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", s.path)
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docs see attrstore/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, attrstore.ErrClosed
	}

	env, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := env[encodeKey(key)]
	return v, ok, nil
}

func (s *storeImpl) Set(key, value string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, attrstore.ErrClosed
	}

	env, err := s.load()
	if err != nil {
		return "", false, err
	}
	k := encodeKey(key)
	prev, had := env[k]
	env[k] = value
	if err := s.store(env); err != nil {
		return "", false, err
	}
	log.Debugf("set %s in %s", key, s.path)
	return prev, had, nil
}

func (s *storeImpl) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Dump returns all attributes stored in the file at path, keyed by their
// decoded names, in a deterministic order. Used for diagnostics.
func Dump(path string) ([][2]string, error) {
	s := &storeImpl{path: path}
	env, err := s.load()
	if err != nil {
		return nil, err
	}
	res := make([][2]string, 0, len(env))
	for k, v := range env {
		res = append(res, [2]string{decodeKey(k), v})
	}
	sort.Slice(res, func(i, j int) bool { return res[i][0] < res[j][0] })
	return res, nil
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// valueEscaper quotes values the way dotenv parsers unquote them.
// godotenv.Marshal is not used because it rewrites numeric values ("007" -> 7).
var valueEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\n", `\n`,
	"\r", `\r`,
	`"`, `\"`,
	"!", `\!`,
	"$", `\$`,
	"`", "\\`",
)

// marshal renders env as sorted KEY="value" lines.
func marshal(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%s=\"%s\"\n", k, valueEscaper.Replace(env[k])))
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Key encoding
// --------------------------------------------------------------------------

// dotenv keys only allow letters, digits, '.' and '_'. encodeKey keeps letters,
// digits and '.' and writes every other byte (including '_') as _XX hex, which
// keeps the mapping injective.
func encodeKey(key string) string {
	var sb strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' {
			sb.WriteByte(c)
			continue
		}
		sb.WriteString(fmt.Sprintf("_%02X", c))
	}
	return sb.String()
}

func decodeKey(key string) string {
	var sb strings.Builder
	for i := 0; i < len(key); i++ {
		if key[i] == '_' && i+2 < len(key) {
			if b, err := strconv.ParseUint(key[i+1:i+3], 16, 8); err == nil {
				sb.WriteByte(byte(b))
				i += 2
				continue
			}
		}
		sb.WriteByte(key[i])
	}
	return sb.String()
}
