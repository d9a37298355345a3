// Package registry persists optimized prompts per context so inference can
// load the best known prompt without re-running optimization.
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/refract-ml/refract/pkg/dataset"
	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/logging"
	"github.com/refract-ml/refract/pkg/oracle"
)

// Record is one finalized optimization result for a context.
type Record struct {
	ContextID      dataset.ContextID
	Instruction    string
	Demonstrations []oracle.Demonstration
	Fitness        float64
	Generation     int
	State          string // CONVERGED or EXHAUSTED
	UpdatedAt      time.Time
}

// Key derives the stable storage key for a context.
func Key(contextID dataset.ContextID) string {
	sum := sha256.Sum256([]byte(contextID))
	return hex.EncodeToString(sum[:])
}

// Store is a sqlite-backed prompt registry. Safe for concurrent use; sqlite
// WAL mode allows readers alongside the single writer.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS prompts (
	key            TEXT PRIMARY KEY,
	context_id     TEXT NOT NULL,
	instruction    TEXT NOT NULL,
	demonstrations TEXT NOT NULL,
	fitness        REAL NOT NULL,
	generation     INTEGER NOT NULL,
	state          TEXT NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);`

// Open opens (creating if necessary) the registry database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to open registry database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.Unknown, "failed to initialize registry schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists a record. Saving the same (context, generation, fitness)
// twice is idempotent; an existing record is replaced only by a strictly
// higher fitness or a newer generation, so a stale rerun cannot clobber a
// better prompt.
func (s *Store) Save(ctx context.Context, rec Record) error {
	logger := logging.GetLogger()

	if rec.ContextID == "" {
		return errors.New(errors.InvalidInput, "record context ID required")
	}
	if rec.Instruction == "" {
		return errors.New(errors.InvalidInput, "record instruction required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	existing, err := s.Load(ctx, rec.ContextID)
	if err != nil && !errors.HasCode(err, errors.ResourceNotFound) {
		return err
	}
	if existing != nil {
		if rec.Fitness <= existing.Fitness && rec.Generation <= existing.Generation {
			logger.Debug(ctx, "Registry keeping existing record for %s: fitness %.4f >= %.4f",
				rec.ContextID, existing.Fitness, rec.Fitness)
			return nil
		}
	}

	demos, err := json.Marshal(rec.Demonstrations)
	if err != nil {
		return errors.Wrap(err, errors.InvalidInput, "failed to encode demonstrations")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prompts (key, context_id, instruction, demonstrations, fitness, generation, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			instruction = excluded.instruction,
			demonstrations = excluded.demonstrations,
			fitness = excluded.fitness,
			generation = excluded.generation,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		Key(rec.ContextID), string(rec.ContextID), rec.Instruction, string(demos),
		rec.Fitness, rec.Generation, rec.State, rec.UpdatedAt)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.RegistryConflict, "failed to save record"),
			errors.Fields{"context": rec.ContextID})
	}

	logger.Info(ctx, "Registry saved context %s: fitness=%.4f, generation=%d, state=%s",
		rec.ContextID, rec.Fitness, rec.Generation, rec.State)
	return nil
}

// Load returns the record for a context, or a ResourceNotFound error when
// the context was never optimized.
func (s *Store) Load(ctx context.Context, contextID dataset.ContextID) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT context_id, instruction, demonstrations, fitness, generation, state, updated_at
		FROM prompts WHERE key = ?`, Key(contextID))

	var rec Record
	var rawContext, demos string
	err := row.Scan(&rawContext, &rec.Instruction, &demos, &rec.Fitness, &rec.Generation, &rec.State, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.WithFields(
			errors.New(errors.ResourceNotFound, "no optimized prompt for context"),
			errors.Fields{"context": contextID})
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to load record")
	}

	rec.ContextID = dataset.ContextID(rawContext)
	if err := json.Unmarshal([]byte(demos), &rec.Demonstrations); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to decode demonstrations")
	}
	return &rec, nil
}

// List returns every stored record ordered by context ID.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context_id, instruction, demonstrations, fitness, generation, state, updated_at
		FROM prompts ORDER BY context_id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to list records")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var rawContext, demos string
		if err := rows.Scan(&rawContext, &rec.Instruction, &demos, &rec.Fitness, &rec.Generation, &rec.State, &rec.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, errors.Unknown, "failed to scan record")
		}
		rec.ContextID = dataset.ContextID(rawContext)
		if err := json.Unmarshal([]byte(demos), &rec.Demonstrations); err != nil {
			return nil, errors.Wrap(err, errors.Unknown, "failed to decode demonstrations")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
