package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/util"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

const liveContactIndex = "sessions_live_contact"

type Config struct {
	DSN      string
	MaxConns int32
}

var _ persistence.Storage = new(PostgresStorage)

// PostgresStorage keeps every entity as a jsonb document next to the columns
// that queries and constraints need.
type PostgresStorage struct {
	pool           *pgxpool.Pool
	flowEncDec     util.EncoderDecoder[model.Flow]
	automationEnc  util.EncoderDecoder[model.Automation]
	sessionEncDec  util.EncoderDecoder[model.FlowSession]
	sessionLogEnc  util.EncoderDecoder[model.FlowSessionLog]
	dispatchEncDec util.EncoderDecoder[model.Dispatch]
	dispatchLogEnc util.EncoderDecoder[model.DispatchLog]
	accountEncDec  util.EncoderDecoder[model.Account]
	channelEncDec  util.EncoderDecoder[model.ChannelConfig]
}

func NewPostgresStorage(ctx context.Context, conf Config) (*PostgresStorage, error) {
	poolConf, err := pgxpool.ParseConfig(conf.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if conf.MaxConns > 0 {
		poolConf.MaxConns = conf.MaxConns
	}
	poolConf.MaxConnLifetime = time.Hour
	poolConf.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConf)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	s := &PostgresStorage{
		pool:           pool,
		flowEncDec:     util.NewJsonEncoderDecoder[model.Flow](),
		automationEnc:  util.NewJsonEncoderDecoder[model.Automation](),
		sessionEncDec:  util.NewJsonEncoderDecoder[model.FlowSession](),
		sessionLogEnc:  util.NewJsonEncoderDecoder[model.FlowSessionLog](),
		dispatchEncDec: util.NewJsonEncoderDecoder[model.Dispatch](),
		dispatchLogEnc: util.NewJsonEncoderDecoder[model.DispatchLog](),
		accountEncDec:  util.NewJsonEncoderDecoder[model.Account](),
		channelEncDec:  util.NewJsonEncoderDecoder[model.ChannelConfig](),
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS flows (
		id TEXT PRIMARY KEY,
		data JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS automations (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		data JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS automations_owner ON automations (owner_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		contact_phone TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		data JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_contact ON sessions (owner_id, contact_phone, created_at DESC)`,
	fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON sessions (owner_id, contact_phone)
		WHERE status NOT IN (%s)`, liveContactIndex, terminalStatuses),
	`CREATE TABLE IF NOT EXISTS session_logs (
		seq BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		data JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS session_logs_session ON session_logs (session_id, seq)`,
	`CREATE TABLE IF NOT EXISTS dispatches (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		data JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dispatch_logs (
		seq BIGSERIAL,
		dispatch_id TEXT NOT NULL,
		row_index INT NOT NULL,
		data JSONB NOT NULL,
		PRIMARY KEY (dispatch_id, row_index)
	)`,
	`CREATE TABLE IF NOT EXISTS dispatch_row_claims (
		dispatch_id TEXT NOT NULL,
		row_index INT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (dispatch_id, row_index)
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		data JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channel_configs (
		id TEXT PRIMARY KEY,
		data JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contact_channels (
		owner_id TEXT NOT NULL,
		phone TEXT NOT NULL,
		config_id TEXT NOT NULL,
		PRIMARY KEY (owner_id, phone)
	)`,
}

var terminalStatuses = fmt.Sprintf("'%s', '%s', '%s', '%s'",
	model.SESSION_COMPLETED, model.SESSION_STOPPED, model.SESSION_EXPIRED, model.SESSION_ERROR)

func (s *PostgresStorage) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func storageError(op string, err error) error {
	logger.Error("postgres "+op+" failed", zap.Error(err))
	return persistence.StorageLayerError{Message: err.Error()}
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// queryDoc scans a single jsonb column, mapping no rows to ErrNotFound.
func queryDoc[T any](ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, decoder util.EncoderDecoder[T], op string, sql string, args ...any) (*T, error) {
	var data []byte
	if err := q.QueryRow(ctx, sql, args...).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, storageError(op, err)
	}
	return decoder.Decode(data)
}

func queryDocs[T any](ctx context.Context, pool *pgxpool.Pool, decoder util.EncoderDecoder[T], op string, sql string, args ...any) ([]*T, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, storageError(op, err)
		}
		item, err := decoder.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return out, nil
}

func (s *PostgresStorage) SaveFlow(ctx context.Context, flow *model.Flow) error {
	data, err := s.flowEncDec.Encode(*flow)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO flows (id, data) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, flow.Id, data)
	if err != nil {
		return storageError("save flow", err)
	}
	return nil
}

func (s *PostgresStorage) GetFlow(ctx context.Context, id string) (*model.Flow, error) {
	return queryDoc(ctx, s.pool, s.flowEncDec, "get flow", `SELECT data FROM flows WHERE id = $1`, id)
}

func (s *PostgresStorage) SaveAutomation(ctx context.Context, automation *model.Automation) error {
	data, err := s.automationEnc.Encode(*automation)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO automations (id, owner_id, created_at, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id, data = EXCLUDED.data`,
		automation.Id, automation.OwnerId, automation.CreatedAt, data)
	if err != nil {
		return storageError("save automation", err)
	}
	return nil
}

func (s *PostgresStorage) GetAutomation(ctx context.Context, id string) (*model.Automation, error) {
	return queryDoc(ctx, s.pool, s.automationEnc, "get automation", `SELECT data FROM automations WHERE id = $1`, id)
}

func (s *PostgresStorage) ListAutomations(ctx context.Context, ownerId string) ([]*model.Automation, error) {
	return queryDocs(ctx, s.pool, s.automationEnc, "list automations",
		`SELECT data FROM automations WHERE owner_id = $1 ORDER BY created_at, id`, ownerId)
}

func (s *PostgresStorage) CreateSession(ctx context.Context, session *model.FlowSession) error {
	data, err := s.sessionEncDec.Encode(*session)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO sessions (id, owner_id, contact_phone, status, created_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		session.Id, session.OwnerId, session.ContactPhone, string(session.Status), session.CreatedAt, data)
	if err != nil {
		if isUniqueViolation(err, liveContactIndex) {
			return persistence.ErrLiveSessionExists
		}
		if isUniqueViolation(err, "") {
			return persistence.StorageLayerError{Message: "duplicate session id " + session.Id}
		}
		return storageError("create session", err)
	}
	return nil
}

// SaveSession writes only when the stored row is still open, or when the
// write is a stop or keeps the same terminal status.
func (s *PostgresStorage) SaveSession(ctx context.Context, session *model.FlowSession) error {
	data, err := s.sessionEncDec.Encode(*session)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE sessions SET status = $2, data = $3
		WHERE id = $1 AND (status NOT IN (%s) OR $2 = '%s' OR status = $2)`, terminalStatuses, model.SESSION_STOPPED),
		session.Id, string(session.Status), data)
	if err != nil {
		if isUniqueViolation(err, liveContactIndex) {
			return persistence.ErrLiveSessionExists
		}
		return storageError("save session", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, session.Id).Scan(&exists); err != nil {
		return storageError("save session", err)
	}
	if !exists {
		return persistence.ErrNotFound
	}
	return persistence.ErrSessionClosed
}

func (s *PostgresStorage) GetSession(ctx context.Context, id string) (*model.FlowSession, error) {
	return queryDoc(ctx, s.pool, s.sessionEncDec, "get session", `SELECT data FROM sessions WHERE id = $1`, id)
}

func (s *PostgresStorage) FindContactSessions(ctx context.Context, ownerId string, phones []string) ([]*model.FlowSession, error) {
	return queryDocs(ctx, s.pool, s.sessionEncDec, "find contact sessions",
		`SELECT data FROM sessions WHERE owner_id = $1 AND contact_phone = ANY($2) ORDER BY created_at DESC`, ownerId, phones)
}

func (s *PostgresStorage) AppendSessionLog(ctx context.Context, log *model.FlowSessionLog) error {
	data, err := s.sessionLogEnc.Encode(*log)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO session_logs (session_id, data) VALUES ($1, $2)`, log.SessionId, data); err != nil {
		return storageError("append session log", err)
	}
	return nil
}

func (s *PostgresStorage) ListSessionLogs(ctx context.Context, sessionId string) ([]*model.FlowSessionLog, error) {
	return queryDocs(ctx, s.pool, s.sessionLogEnc, "list session logs",
		`SELECT data FROM session_logs WHERE session_id = $1 ORDER BY seq`, sessionId)
}

func (s *PostgresStorage) CreateDispatch(ctx context.Context, dispatch *model.Dispatch) error {
	data, err := s.dispatchEncDec.Encode(*dispatch)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO dispatches (id, status, created_at, data) VALUES ($1, $2, $3, $4)`,
		dispatch.Id, string(dispatch.Status), dispatch.CreatedAt, data)
	if err != nil {
		if isUniqueViolation(err, "") {
			return persistence.StorageLayerError{Message: "duplicate dispatch id " + dispatch.Id}
		}
		return storageError("create dispatch", err)
	}
	return nil
}

func (s *PostgresStorage) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	return queryDoc(ctx, s.pool, s.dispatchEncDec, "get dispatch", `SELECT data FROM dispatches WHERE id = $1`, id)
}

func (s *PostgresStorage) UpdateDispatchStatus(ctx context.Context, id string, status model.DispatchStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE dispatches SET status = $2, data = jsonb_set(data, '{status}', to_jsonb($2::text))
		WHERE id = $1`, id, string(status))
	if err != nil {
		return storageError("update dispatch status", err)
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) RecordRowResult(ctx context.Context, log *model.DispatchLog) (*model.Dispatch, bool, error) {
	entry, err := s.dispatchLogEnc.Encode(*log)
	if err != nil {
		return nil, false, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, storageError("record row", err)
	}
	defer tx.Rollback(ctx)

	d, err := queryDoc(ctx, tx, s.dispatchEncDec, "record row", `SELECT data FROM dispatches WHERE id = $1 FOR UPDATE`, log.DispatchId)
	if err != nil {
		return nil, false, err
	}
	tag, err := tx.Exec(ctx, `INSERT INTO dispatch_logs (dispatch_id, row_index, data) VALUES ($1, $2, $3)
		ON CONFLICT (dispatch_id, row_index) DO NOTHING`, log.DispatchId, log.RowIndex, entry)
	if err != nil {
		return nil, false, storageError("record row", err)
	}
	if tag.RowsAffected() == 0 {
		return d, false, nil
	}
	if log.Status == model.ROW_SUCCESS {
		d.SuccessCount++
	} else {
		d.ErrorCount++
	}
	if log.RowIndex+1 > d.CurrentIndex {
		d.CurrentIndex = log.RowIndex + 1
	}
	if !log.CreatedAt.IsZero() {
		d.UpdatedAt = log.CreatedAt
	}
	data, err := s.dispatchEncDec.Encode(*d)
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE dispatches SET data = $2 WHERE id = $1`, d.Id, data); err != nil {
		return nil, false, storageError("record row", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, storageError("record row", err)
	}
	return d, true, nil
}

func (s *PostgresStorage) IsRowRecorded(ctx context.Context, dispatchId string, rowIndex int) (bool, error) {
	var exists, recorded bool
	err := s.pool.QueryRow(ctx, `SELECT
		EXISTS (SELECT 1 FROM dispatches WHERE id = $1),
		EXISTS (SELECT 1 FROM dispatch_logs WHERE dispatch_id = $1 AND row_index = $2)`,
		dispatchId, rowIndex).Scan(&exists, &recorded)
	if err != nil {
		return false, storageError("is row recorded", err)
	}
	if !exists {
		return false, persistence.ErrNotFound
	}
	return recorded, nil
}

// ClaimRow inserts the claim unless the row is logged, taking over a claim
// whose lease already ran out.
func (s *PostgresStorage) ClaimRow(ctx context.Context, dispatchId string, rowIndex int, lease time.Duration) (bool, error) {
	recorded, err := s.IsRowRecorded(ctx, dispatchId, rowIndex)
	if err != nil || recorded {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO dispatch_row_claims (dispatch_id, row_index, expires_at)
		SELECT $1, $2, now() + ($3::float8 * interval '1 millisecond')
		WHERE NOT EXISTS (SELECT 1 FROM dispatch_logs WHERE dispatch_id = $1 AND row_index = $2)
		ON CONFLICT (dispatch_id, row_index) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE dispatch_row_claims.expires_at < now()`,
		dispatchId, rowIndex, lease.Milliseconds())
	if err != nil {
		return false, storageError("claim row", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStorage) ReleaseRow(ctx context.Context, dispatchId string, rowIndex int) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dispatch_row_claims WHERE dispatch_id = $1 AND row_index = $2`, dispatchId, rowIndex)
	if err != nil {
		return storageError("release row", err)
	}
	return nil
}

func (s *PostgresStorage) ListDispatchLogs(ctx context.Context, dispatchId string) ([]*model.DispatchLog, error) {
	return queryDocs(ctx, s.pool, s.dispatchLogEnc, "list dispatch logs",
		`SELECT data FROM dispatch_logs WHERE dispatch_id = $1 ORDER BY seq`, dispatchId)
}

func (s *PostgresStorage) ListDispatches(ctx context.Context, status model.DispatchStatus) ([]*model.Dispatch, error) {
	return queryDocs(ctx, s.pool, s.dispatchEncDec, "list dispatches",
		`SELECT data FROM dispatches WHERE status = $1 ORDER BY created_at`, string(status))
}

func (s *PostgresStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return queryDoc(ctx, s.pool, s.accountEncDec, "get account", `SELECT data FROM accounts WHERE id = $1`, id)
}

func (s *PostgresStorage) SaveAccount(ctx context.Context, account *model.Account) error {
	data, err := s.accountEncDec.Encode(*account)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO accounts (id, data) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, account.Id, data)
	if err != nil {
		return storageError("save account", err)
	}
	return nil
}

func (s *PostgresStorage) SaveChannelConfig(ctx context.Context, conf *model.ChannelConfig) error {
	data, err := s.channelEncDec.Encode(*conf)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO channel_configs (id, data) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, conf.Id, data)
	if err != nil {
		return storageError("save channel config", err)
	}
	return nil
}

func (s *PostgresStorage) GetChannelConfig(ctx context.Context, id string) (*model.ChannelConfig, error) {
	return queryDoc(ctx, s.pool, s.channelEncDec, "get channel config", `SELECT data FROM channel_configs WHERE id = $1`, id)
}

func (s *PostgresStorage) SetContactChannel(ctx context.Context, ownerId string, phone string, configId string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO contact_channels (owner_id, phone, config_id) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, phone) DO UPDATE SET config_id = EXCLUDED.config_id`, ownerId, phone, configId)
	if err != nil {
		return storageError("set contact channel", err)
	}
	return nil
}

func (s *PostgresStorage) ResolveChannelConfig(ctx context.Context, ownerId string, phone string) (*model.ChannelConfig, error) {
	var configId string
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(
		(SELECT config_id FROM contact_channels WHERE owner_id = $1 AND phone = $2),
		(SELECT data->>'defaultChannelConfig' FROM accounts WHERE id = $1),
		'')`, ownerId, phone).Scan(&configId)
	if err != nil {
		return nil, storageError("resolve channel config", err)
	}
	if configId == "" {
		return nil, persistence.ErrNotFound
	}
	return s.GetChannelConfig(ctx, configId)
}
