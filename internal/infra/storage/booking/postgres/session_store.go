// Package postgres implements the booking session store on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/infra/storage"
)

var _ booking.SessionStore = (*sessionStore)(nil)

// sessionStore persists sessions, their configurations and the transition
// log. The transition log doubles as the outbox drained by the relay.
type sessionStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewSessionStore creates a PostgreSQL-backed session store with tracing.
func NewSessionStore(pool *pgxpool.Pool, tracer trace.Tracer) *sessionStore {
	return &sessionStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

func dbAttrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(extra))
	attrs = append(attrs, defaultDBAttributes...)
	return append(attrs, extra...)
}

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }

const sessionColumns = `
	s.id, s.owner, s.configuration_id, s.state, s.attempt, s.version,
	s.result, s.failure, s.started_at, s.completed_at, s.updated_at`

const transitionColumns = `
	t.event_id, t.session_id, s.owner, t.sequence, t.from_state, t.to_state,
	t.attempt, t.terminal, t.detail, t.occurred_at`

// CreateSession stores the configuration if it is new and inserts a session
// already transitioned into initializing. The partial unique index on active
// sessions arbitrates concurrent creators.
func (r *sessionStore) CreateSession(ctx context.Context, cfg booking.Configuration) (*booking.Session, error) {
	attrs := dbAttrs(
		attribute.String("owner", cfg.Owner),
		attribute.String("configuration_id", cfg.ID.String()),
	)

	var created *booking.Session
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_session", attrs, func(ctx context.Context) error {
		return storage.RetryTransient(ctx, func() error {
			s, err := r.createSession(ctx, cfg)
			if err != nil {
				return err
			}
			created = s
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("session_id", s.ID().String()))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *sessionStore) createSession(ctx context.Context, cfg booking.Configuration) (*booking.Session, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction error: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_configurations (id, owner, test_center, window_from, window_to, license_category, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		pgUUID(cfg.ID), cfg.Owner, cfg.TestCenter, cfg.Window.From, cfg.Window.To,
		string(cfg.LicenseCategory), cfg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert configuration error: %w", err)
	}

	var storedOwner string
	if err := tx.QueryRow(ctx, `SELECT owner FROM booking_configurations WHERE id = $1`, pgUUID(cfg.ID)).
		Scan(&storedOwner); err != nil {
		return nil, fmt.Errorf("load configuration owner error: %w", err)
	}
	if storedOwner != cfg.Owner {
		return nil, fmt.Errorf("configuration %s belongs to another owner", cfg.ID)
	}

	session := booking.NewSession(cfg.Owner, cfg.ID)
	evt, err := session.Transition(booking.SessionStateInitializing, booking.TransitionDetail{})
	if err != nil {
		return nil, err
	}

	tl := session.Timeline()
	tag, err := tx.Exec(ctx, `
		INSERT INTO booking_sessions
			(id, owner, configuration_id, state, active, attempt, version, started_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7, $8)
		ON CONFLICT (owner, configuration_id) WHERE active DO NOTHING`,
		pgUUID(session.ID()), session.Owner(), pgUUID(cfg.ID), string(session.State()),
		int32(session.Attempt()), session.Version(), tl.StartedAt(), tl.LastUpdate(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var active pgtype.UUID
		err := tx.QueryRow(ctx, `
			SELECT id FROM booking_sessions WHERE owner = $1 AND configuration_id = $2 AND active`,
			cfg.Owner, pgUUID(cfg.ID),
		).Scan(&active)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load conflicting session error: %w", err)
		}
		return nil, &booking.ConflictError{Owner: cfg.Owner, ConfigurationID: cfg.ID, ActiveSessionID: active.Bytes}
	}

	if err := insertTransition(ctx, tx, evt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction error: %w", err)
	}
	return session, nil
}

// LoadActive returns the active session for the owner and configuration.
func (r *sessionStore) LoadActive(ctx context.Context, owner string, configurationID uuid.UUID) (*booking.Session, error) {
	attrs := dbAttrs(
		attribute.String("owner", owner),
		attribute.String("configuration_id", configurationID.String()),
	)

	var session *booking.Session
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.load_active_session", attrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+`
			FROM booking_sessions s
			WHERE s.owner = $1 AND s.configuration_id = $2 AND s.active`,
			owner, pgUUID(configurationID),
		)
		var err error
		session, err = scanSession(row)
		return err
	})
	return session, err
}

// GetSession retrieves a session by id.
func (r *sessionStore) GetSession(ctx context.Context, sessionID uuid.UUID) (*booking.Session, error) {
	attrs := dbAttrs(attribute.String("session_id", sessionID.String()))

	var session *booking.Session
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_session", attrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM booking_sessions s WHERE s.id = $1`, pgUUID(sessionID))
		var err error
		session, err = scanSession(row)
		return err
	})
	return session, err
}

// ListActive returns every non-terminal session, oldest first.
func (r *sessionStore) ListActive(ctx context.Context) ([]*booking.Session, error) {
	var sessions []*booking.Session
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_active_sessions", dbAttrs(), func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `SELECT `+sessionColumns+`
			FROM booking_sessions s WHERE s.active ORDER BY s.started_at`)
		if err != nil {
			return fmt.Errorf("list active sessions query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			s, err := scanSession(rows)
			if err != nil {
				return err
			}
			sessions = append(sessions, s)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list active sessions rows error: %w", err)
		}

		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("active_sessions", len(sessions)))
		return nil
	})
	return sessions, err
}

// GetConfiguration retrieves a stored configuration.
func (r *sessionStore) GetConfiguration(ctx context.Context, configurationID uuid.UUID) (booking.Configuration, error) {
	attrs := dbAttrs(attribute.String("configuration_id", configurationID.String()))

	var cfg booking.Configuration
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_configuration", attrs, func(ctx context.Context) error {
		var (
			id       pgtype.UUID
			category string
		)
		err := r.db.QueryRow(ctx, `
			SELECT id, owner, test_center, window_from, window_to, license_category, created_at
			FROM booking_configurations WHERE id = $1`, pgUUID(configurationID),
		).Scan(&id, &cfg.Owner, &cfg.TestCenter, &cfg.Window.From, &cfg.Window.To, &category, &cfg.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return booking.ErrConfigurationNotFound
			}
			return fmt.Errorf("get configuration query error: %w", err)
		}
		cfg.ID = id.Bytes
		cfg.LicenseCategory = booking.LicenseCategory(category)
		cfg.Window.From = cfg.Window.From.UTC()
		cfg.Window.To = cfg.Window.To.UTC()
		cfg.CreatedAt = cfg.CreatedAt.UTC()
		return nil
	})
	return cfg, err
}

// Commit locks the session row, verifies the caller holds the latest
// version, applies the transition and appends its event in one transaction.
func (r *sessionStore) Commit(
	ctx context.Context,
	session *booking.Session,
	to booking.SessionState,
	detail booking.TransitionDetail,
) (*booking.Session, booking.TransitionEvent, error) {
	attrs := dbAttrs(
		attribute.String("session_id", session.ID().String()),
		attribute.String("from", session.State().String()),
		attribute.String("to", to.String()),
		attribute.Int64("version", session.Version()),
	)

	var (
		next *booking.Session
		evt  booking.TransitionEvent
	)
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.commit_transition", attrs, func(ctx context.Context) error {
		return storage.RetryTransient(ctx, func() error {
			var err error
			next, evt, err = r.commit(ctx, session, to, detail)
			return err
		})
	})
	if err != nil {
		return nil, booking.TransitionEvent{}, err
	}
	return next, evt, nil
}

func (r *sessionStore) commit(
	ctx context.Context,
	session *booking.Session,
	to booking.SessionState,
	detail booking.TransitionDetail,
) (*booking.Session, booking.TransitionEvent, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, booking.TransitionEvent{}, fmt.Errorf("begin transaction error: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM booking_sessions s WHERE s.id = $1 FOR UPDATE`,
		pgUUID(session.ID()))
	stored, err := scanSession(row)
	if err != nil {
		return nil, booking.TransitionEvent{}, err
	}
	if stored.Version() != session.Version() {
		return nil, booking.TransitionEvent{}, fmt.Errorf("%w: stored version %d, caller version %d",
			booking.ErrConcurrentUpdate, stored.Version(), session.Version())
	}

	evt, err := stored.Transition(to, detail)
	if err != nil {
		return nil, booking.TransitionEvent{}, err
	}

	result, err := marshalNullable(stored.Result())
	if err != nil {
		return nil, booking.TransitionEvent{}, err
	}
	failure, err := marshalNullable(stored.Failure())
	if err != nil {
		return nil, booking.TransitionEvent{}, err
	}

	tl := stored.Timeline()
	_, err = tx.Exec(ctx, `
		UPDATE booking_sessions
		SET state = $2, active = $3, attempt = $4, version = $5,
			result = $6, failure = $7, completed_at = $8, updated_at = $9
		WHERE id = $1`,
		pgUUID(stored.ID()), string(stored.State()), stored.IsActive(), int32(stored.Attempt()),
		stored.Version(), result, failure,
		pgtype.Timestamptz{Time: tl.CompletedAt(), Valid: tl.IsCompleted()}, tl.LastUpdate(),
	)
	if err != nil {
		return nil, booking.TransitionEvent{}, fmt.Errorf("update session error: %w", err)
	}

	if err := insertTransition(ctx, tx, evt); err != nil {
		return nil, booking.TransitionEvent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, booking.TransitionEvent{}, fmt.Errorf("commit transaction error: %w", err)
	}
	return stored, evt, nil
}

// ListTransitions returns the transition log of a session in sequence order.
func (r *sessionStore) ListTransitions(ctx context.Context, sessionID uuid.UUID) ([]booking.TransitionEvent, error) {
	attrs := dbAttrs(attribute.String("session_id", sessionID.String()))

	var events []booking.TransitionEvent
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_transitions", attrs, func(ctx context.Context) error {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM booking_sessions WHERE id = $1)`,
			pgUUID(sessionID)).Scan(&exists); err != nil {
			return fmt.Errorf("session lookup error: %w", err)
		}
		if !exists {
			return booking.ErrSessionNotFound
		}

		rows, err := r.db.Query(ctx, `SELECT `+transitionColumns+`
			FROM session_transitions t JOIN booking_sessions s ON s.id = t.session_id
			WHERE t.session_id = $1 ORDER BY t.sequence`, pgUUID(sessionID))
		if err != nil {
			return fmt.Errorf("list transitions query error: %w", err)
		}
		events, err = collectTransitions(rows)
		return err
	})
	return events, err
}

// PendingTransitions returns unpublished transitions in commit order.
func (r *sessionStore) PendingTransitions(ctx context.Context, limit int) ([]booking.TransitionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	attrs := dbAttrs(attribute.Int("limit", limit))

	var events []booking.TransitionEvent
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.pending_transitions", attrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `SELECT `+transitionColumns+`
			FROM session_transitions t JOIN booking_sessions s ON s.id = t.session_id
			WHERE t.published_at IS NULL ORDER BY t.position LIMIT $1`, limit)
		if err != nil {
			return fmt.Errorf("pending transitions query error: %w", err)
		}
		events, err = collectTransitions(rows)
		return err
	})
	return events, err
}

// MarkPublished stamps the given events as handed to the bus.
func (r *sessionStore) MarkPublished(ctx context.Context, eventIDs ...uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	attrs := dbAttrs(attribute.Int("num_events", len(eventIDs)))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.mark_published", attrs, func(ctx context.Context) error {
		ids := make([]pgtype.UUID, len(eventIDs))
		for i, id := range eventIDs {
			ids[i] = pgUUID(id)
		}
		_, err := r.db.Exec(ctx, `
			UPDATE session_transitions SET published_at = NOW()
			WHERE event_id = ANY($1) AND published_at IS NULL`, ids)
		if err != nil {
			return fmt.Errorf("mark published error: %w", err)
		}
		return nil
	})
}

func insertTransition(ctx context.Context, tx pgx.Tx, evt booking.TransitionEvent) error {
	detail, err := json.Marshal(evt.Detail)
	if err != nil {
		return fmt.Errorf("marshal transition detail: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO session_transitions
			(event_id, session_id, sequence, from_state, to_state, attempt, terminal, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pgUUID(evt.EventID), pgUUID(evt.SessionID), evt.Sequence, string(evt.From), string(evt.To),
		int32(evt.Attempt), evt.Terminal, detail, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert transition error: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*booking.Session, error) {
	var (
		id, cfgID            pgtype.UUID
		owner, state         string
		attempt              int32
		version              int64
		resultRaw, failRaw   []byte
		startedAt, updatedAt time.Time
		completedAt          pgtype.Timestamptz
	)
	err := row.Scan(&id, &owner, &cfgID, &state, &attempt, &version,
		&resultRaw, &failRaw, &startedAt, &completedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, booking.ErrSessionNotFound
		}
		return nil, fmt.Errorf("scan session error: %w", err)
	}

	var result *booking.BookingResult
	if len(resultRaw) > 0 {
		result = new(booking.BookingResult)
		if err := json.Unmarshal(resultRaw, result); err != nil {
			return nil, fmt.Errorf("unmarshal session result: %w", err)
		}
	}
	var failure *booking.FailureDetail
	if len(failRaw) > 0 {
		failure = new(booking.FailureDetail)
		if err := json.Unmarshal(failRaw, failure); err != nil {
			return nil, fmt.Errorf("unmarshal session failure: %w", err)
		}
	}

	var completed time.Time
	if completedAt.Valid {
		completed = completedAt.Time.UTC()
	}
	timeline := booking.ReconstructTimeline(startedAt.UTC(), completed, updatedAt.UTC())

	return booking.ReconstructSession(
		id.Bytes, owner, cfgID.Bytes, booking.SessionState(state), int(attempt),
		timeline, result, failure, version,
	), nil
}

func collectTransitions(rows pgx.Rows) ([]booking.TransitionEvent, error) {
	defer rows.Close()

	var out []booking.TransitionEvent
	for rows.Next() {
		var (
			evt                booking.TransitionEvent
			eventID, sessionID pgtype.UUID
			from, to           string
			attempt            int32
			detail             []byte
		)
		if err := rows.Scan(&eventID, &sessionID, &evt.Owner, &evt.Sequence, &from, &to,
			&attempt, &evt.Terminal, &detail, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transition error: %w", err)
		}
		if err := json.Unmarshal(detail, &evt.Detail); err != nil {
			return nil, fmt.Errorf("unmarshal transition detail: %w", err)
		}
		evt.EventID = eventID.Bytes
		evt.SessionID = sessionID.Bytes
		evt.From = booking.SessionState(from)
		evt.To = booking.SessionState(to)
		evt.Attempt = int(attempt)
		evt.Timestamp = evt.Timestamp.UTC()
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transition rows error: %w", err)
	}
	return out, nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return b, nil
}
