package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loom-io/loom/internal/config"
)

// Mutations on api_keys are mirrored into api_key_audit_log under one of
// these operation labels.
const (
	keyOpCreate = "created"
	keyOpUpdate = "updated"
	keyOpDelete = "deleted"
)

const keyColumns = `id, key_hash, client_id, name, permissions, created_at, expires_at, active`

var _ KeyStore = (*PersistentKeyStore)(nil)

// PersistentKeyStore keeps API keys in PostgreSQL. Only bcrypt hashes are
// stored, so lookups compare the presented plaintext against every active
// hash; that is fine for the small key populations a deployment carries.
// Deletes are soft, which keeps audit log rows from dangling.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPersistentKeyStore wraps an existing connection. The caller keeps
// ownership of conn and is responsible for closing it.
func NewPersistentKeyStore(conn *Connection) (*PersistentKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentKeyStore{
		conn:   conn,
		logger: config.NewLogger("keystore"),
	}, nil
}

// Close is a no-op; the injected connection outlives the store.
func (s *PersistentKeyStore) Close() error {
	return nil
}

// FindByKey authenticates a plaintext key against the active key set. The
// returned Key carries a masked value: neither the plaintext nor the hash
// leaves the store.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*Key, bool) {
	if key == "" {
		return nil, false
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE active`)
	if err != nil {
		s.logger.Error("key lookup query failed", slog.String("error", err.Error()))

		return nil, false
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable api_keys row", slog.String("error", err.Error()))

			continue
		}

		if CompareAPIKeyHash(k.Key, key) {
			k.Key = MaskKey(k.Key)

			return k, true
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("key lookup failed", slog.String("error", err.Error()))
	}

	return nil, false
}

// Add hashes and inserts a new key. The plaintext in apiKey.Key feeds the
// hash and is never written anywhere.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	// bcrypt salts every hash, so a uniqueness constraint on key_hash cannot
	// catch re-adding the same plaintext. Probe the active set instead.
	if _, exists := s.FindByKey(ctx, apiKey.Key); exists {
		return ErrKeyAlreadyExists
	}

	hash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return err
	}

	perms, err := encodePermissions(apiKey.Permissions)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		apiKey.ID, hash, apiKey.ClientID, apiKey.Name, perms,
		apiKey.CreatedAt, apiKey.ExpiresAt, apiKey.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert API key: %w", err)
	}

	s.recordKeyEvent(ctx, keyOpCreate, apiKey.ID, apiKey.Key, apiKey.ClientID)

	return nil
}

// Update rewrites name, permissions, active flag, and expiry. The hash is
// immutable: rotating a key means deleting it and adding a new one.
func (s *PersistentKeyStore) Update(ctx context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if apiKey.ID == "" {
		return ErrKeyNotFound
	}

	perms, err := encodePermissions(apiKey.Permissions)
	if err != nil {
		return err
	}

	res, err := s.conn.ExecContext(ctx,
		`UPDATE api_keys SET name = $2, permissions = $3, active = $4, expires_at = $5 WHERE id = $1`,
		apiKey.ID, apiKey.Name, perms, apiKey.Active, apiKey.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update API key: %w", err)
	}

	touched, err := rowsTouched(res)
	if err != nil {
		return err
	}

	if touched == 0 {
		return ErrKeyNotFound
	}

	s.recordKeyEvent(ctx, keyOpUpdate, apiKey.ID, apiKey.Key, apiKey.ClientID)

	return nil
}

// Delete soft-deletes by flipping active off. The row stays behind so the
// audit log keeps a target to reference.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	res, err := s.conn.ExecContext(ctx, `UPDATE api_keys SET active = FALSE WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}

	touched, err := rowsTouched(res)
	if err != nil {
		return err
	}

	if touched == 0 {
		return ErrKeyNotFound
	}

	s.recordKeyEvent(ctx, keyOpDelete, keyID, "", "")

	return nil
}

// ListByClient returns the client's active keys newest first, with masked
// key values.
func (s *PersistentKeyStore) ListByClient(ctx context.Context, clientID string) ([]*Key, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE client_id = $1 AND active ORDER BY created_at DESC`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys := []*Key{}

	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}

		k.Key = MaskKey(k.Key)
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate API keys: %w", err)
	}

	return keys, nil
}

// recordKeyEvent appends to the key audit log. Best effort: a failed insert
// is reported but never rolls back the key operation itself.
func (s *PersistentKeyStore) recordKeyEvent(ctx context.Context, op, keyID, key, clientID string) {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO api_key_audit_log (api_key_id, operation, masked_key, client_id) VALUES ($1, $2, $3, $4)`,
		keyID, op, MaskKey(key), clientID,
	)
	if err != nil {
		s.logger.Error("failed to record key audit event",
			slog.String("operation", op),
			slog.String("api_key_id", keyID),
			slog.String("error", err.Error()),
		)
	}
}

// scanKey reads one api_keys row. The Key field holds the bcrypt hash until
// the caller masks or discards it.
func scanKey(rows *sql.Rows) (*Key, error) {
	var (
		k     Key
		perms []byte
	)

	err := rows.Scan(&k.ID, &k.Key, &k.ClientID, &k.Name, &perms, &k.CreatedAt, &k.ExpiresAt, &k.Active)
	if err != nil {
		return nil, fmt.Errorf("failed to scan API key row: %w", err)
	}

	if err := json.Unmarshal(perms, &k.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode permissions: %w", err)
	}

	return &k, nil
}

// encodePermissions renders the permission list as JSONB input. nil becomes
// an empty array so the column never holds SQL NULL.
func encodePermissions(perms []string) ([]byte, error) {
	if perms == nil {
		perms = []string{}
	}

	data, err := json.Marshal(perms)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize permissions: %w", err)
	}

	return data, nil
}

// rowsTouched unwraps RowsAffected with a consistent error message.
func rowsTouched(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return n, nil
}
