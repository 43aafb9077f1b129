// File: internal/storage/record_store.go
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/infra/metrics"
)

// VerifyFunc structurally validates raw record bytes before they are trusted.
type VerifyFunc func(data []byte) error

// RecordStore is a read-verify / write-with-backup primitive over keyed JSON
// records in one directory. Every write follows the same protocol: copy the
// existing target to <key>.backup, write <key>.tmp, re-read and verify it,
// rename over the target, then drop the backup. A key whose primary fails
// verification is served from its backup.
type RecordStore struct {
	dir    string
	verify VerifyFunc
	logger zerolog.Logger
}

func NewRecordStore(dir string, verify VerifyFunc, logger *zerolog.Logger) (*RecordStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("record store: %w: empty dir", domain.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("record store: create dir: %w", err)
	}
	return &RecordStore{
		dir:    dir,
		verify: verify,
		logger: logger.With().Str("component", "record_store").Logger(),
	}, nil
}

func (s *RecordStore) path(key string) string       { return filepath.Join(s.dir, key) }
func (s *RecordStore) backupPath(key string) string { return filepath.Join(s.dir, key+".backup") }
func (s *RecordStore) tmpPath(key string) string    { return filepath.Join(s.dir, key+".tmp") }

// Read returns verified record bytes. found is false for a key that has
// neither a primary nor a backup file. An error means both the primary and
// its backup exist in some form but neither verifies.
func (s *RecordStore) Read(key string) (data []byte, found bool, err error) {
	primary, perr := os.ReadFile(s.path(key))
	if perr == nil {
		verr := s.verify(primary)
		if verr == nil {
			return primary, true, nil
		}
		s.logger.Warn().Str("key", key).Err(verr).Msg("primary record failed verification, trying backup")
	} else if !os.IsNotExist(perr) {
		s.logger.Warn().Str("key", key).Err(perr).Msg("primary record unreadable, trying backup")
	}

	backup, berr := os.ReadFile(s.backupPath(key))
	if berr != nil {
		if os.IsNotExist(perr) && os.IsNotExist(berr) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("record %s: %w", key, domain.ErrRecordInvalid)
	}
	if verr := s.verify(backup); verr != nil {
		return nil, false, fmt.Errorf("record %s: backup also invalid: %w", key, domain.ErrRecordInvalid)
	}

	// Put the good backup content back in place so later writes start from
	// a verified primary.
	metrics.IncRecovery("backup")
	if rerr := os.WriteFile(s.path(key), backup, 0o644); rerr != nil {
		s.logger.Error().Str("key", key).Err(rerr).Msg("failed to restore backup over primary")
	} else {
		s.logger.Info().Str("key", key).Msg("recovered record from backup")
	}
	return backup, true, nil
}

// Write stores record bytes under key with backup semantics. On any failure
// before the final rename the previous target content is preserved.
func (s *RecordStore) Write(key string, data []byte) error {
	target := s.path(key)
	backup := s.backupPath(key)
	tmp := s.tmpPath(key)

	hadBackup := false
	if _, err := os.Stat(target); err == nil {
		if err := copyFile(target, backup); err != nil {
			return fmt.Errorf("record %s: backup copy: %w", key, err)
		}
		hadBackup = true
	}

	fail := func(stage string, err error) error {
		os.Remove(tmp)
		if hadBackup {
			if rerr := os.Rename(backup, target); rerr != nil {
				s.logger.Error().Str("key", key).Err(rerr).Msg("backup restore after failed write")
			}
		}
		return fmt.Errorf("record %s: %s: %w", key, stage, err)
	}

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fail("write tmp", err)
	}
	written, err := os.ReadFile(tmp)
	if err != nil {
		return fail("reread tmp", err)
	}
	if err := s.verify(written); err != nil {
		return fail("verify tmp", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fail("rename", err)
	}
	if hadBackup {
		if err := os.Remove(backup); err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("stale backup left behind")
		}
	}
	return nil
}

// List returns every record key in the directory, skipping backup and tmp
// leftovers.
func (s *RecordStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("record store: list: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".backup") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		keys = append(keys, name)
	}
	return keys, nil
}

// Size returns the on-disk size of a record's primary file.
func (s *RecordStore) Size(key string) (int64, error) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
