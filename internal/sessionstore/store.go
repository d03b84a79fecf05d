package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/edgelink-io/opcua-agent/internal/infrastructure/database"
	"github.com/edgelink-io/opcua-agent/internal/megolm"
)

// Store persists Megolm session state in the agent's SQLite state store.
// All methods are safe for concurrent use; outbound operations serialize
// per device, inbound operations per session.
type Store struct {
	db *database.DB

	mu            sync.Mutex
	outboundLocks map[string]*sync.Mutex
	inboundLocks  map[uuid.UUID]*sync.Mutex
}

// New creates a session store backed by the given database. The caller
// is responsible for running migrations before first use.
func New(db *database.DB) *Store {
	return &Store{
		db:            db,
		outboundLocks: make(map[string]*sync.Mutex),
		inboundLocks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// OutboundStep is the material for exactly one encryption: the ratchet
// state at Index plus the session's signing key. By the time a step is
// returned, the store has already durably advanced past it.
type OutboundStep struct {
	SessionID  uuid.UUID
	Index      uint32
	Ratchet    []byte
	SigningKey []byte
}

// outboundRow mirrors one outbound_sessions row.
type outboundRow struct {
	device     string
	sessionID  uuid.UUID
	ratchet    []byte
	counter    uint32
	signingKey []byte
}

// AdvanceOutbound atomically advances the device's outbound ratchet and
// returns the material for exactly one encryption.
//
// The first call for a device creates a fresh session. The advanced
// state is committed before the step is returned, so a crash between
// advance and publish skips the step's index rather than reusing it.
// Calls for the same device are serialized; unrelated devices never
// block each other.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - device: Channel identifier
//
// Returns:
//   - *OutboundStep: One-shot encryption material
//   - error: ErrPersistence if state could not be loaded or written
func (s *Store) AdvanceOutbound(ctx context.Context, device string) (*OutboundStep, error) {
	lock := s.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	row, err := s.loadOutbound(ctx, device)
	if errors.Is(err, ErrUnknownSession) {
		row, err = s.createOutbound(ctx, device)
	}
	if err != nil {
		return nil, err
	}

	step := &OutboundStep{
		SessionID:  row.sessionID,
		Index:      row.counter,
		Ratchet:    append([]byte(nil), row.ratchet...),
		SigningKey: append([]byte(nil), row.signingKey...),
	}

	ratchet, err := megolm.RatchetFromBytes(row.ratchet, row.counter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	ratchet.Advance()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE outbound_sessions SET ratchet = ?, counter = ?, updated_at = ? WHERE device = ?`,
		ratchet.Bytes(), int64(ratchet.Counter()), nowUTC(), device,
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return step, nil
}

// Rotate replaces the device's outbound session with a fresh one.
//
// New encryptions use the new session from its index 0; receivers need
// the new session key export. Inbound history for the old session stays
// valid for already-received ciphertext.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - device: Channel identifier
//
// Returns:
//   - uuid.UUID: The new session identifier
//   - error: ErrPersistence if the new state could not be written
func (s *Store) Rotate(ctx context.Context, device string) (uuid.UUID, error) {
	lock := s.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	session, err := megolm.NewGroupSession()
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating session: %w", err)
	}

	if err := s.upsertOutbound(ctx, device, session); err != nil {
		return uuid.Nil, err
	}
	return session.ID(), nil
}

// ExportSessionKey exports the device's outbound session at its current
// index, for building an inbound session on the receiving side.
//
// Returns:
//   - string: Base64 session key export
//   - error: ErrUnknownSession or ErrPersistence
func (s *Store) ExportSessionKey(ctx context.Context, device string) (string, error) {
	session, err := s.outboundSession(ctx, device)
	if err != nil {
		return "", err
	}
	return session.SessionKeyBase64(), nil
}

// ExportPickle exports the device's outbound session as an encrypted
// pickle for transfer to another agent.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - device: Channel identifier
//   - pickleKey: Key protecting the pickle
//
// Returns:
//   - string: Base64 encrypted pickle
//   - error: ErrUnknownSession or ErrPersistence
func (s *Store) ExportPickle(ctx context.Context, device string, pickleKey []byte) (string, error) {
	session, err := s.outboundSession(ctx, device)
	if err != nil {
		return "", err
	}
	pickled, err := session.Pickle(pickleKey)
	if err != nil {
		return "", fmt.Errorf("pickling session: %w", err)
	}
	return pickled, nil
}

// ImportPickle restores a pickled outbound session for a device,
// replacing any existing session.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - device: Channel identifier
//   - pickled: Base64 pickle from ExportPickle
//   - pickleKey: Key the pickle was encrypted with
//
// Returns:
//   - error: megolm.ErrInvalidPickle or ErrPersistence
func (s *Store) ImportPickle(ctx context.Context, device, pickled string, pickleKey []byte) error {
	session, err := megolm.GroupSessionFromPickle(pickled, pickleKey)
	if err != nil {
		return err
	}

	lock := s.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	return s.upsertOutbound(ctx, device, session)
}

// ImportInbound stores an inbound session built from a session key
// export so the decode path can decrypt the corresponding stream.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - device: Channel identifier the stream belongs to
//   - sessionKey: Base64 session key export
//
// Returns:
//   - uuid.UUID: The imported session's identifier
//   - error: megolm.ErrInvalidSessionKey, ErrSessionExists or ErrPersistence
func (s *Store) ImportInbound(ctx context.Context, device, sessionKey string) (uuid.UUID, error) {
	session, err := megolm.NewInboundGroupSessionBase64(sessionKey)
	if err != nil {
		return uuid.Nil, err
	}

	now := nowUTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO inbound_sessions
		 (session_id, device, ratchet, counter, public_key, highest_index, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, -1, ?, ?)`,
		session.ID().String(), device, session.RatchetState(),
		int64(session.FirstKnownIndex()), session.PublicKey(), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrSessionExists, session.ID())
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return session.ID(), nil
}

// AcceptInbound validates the replay guard for one message and returns
// the decrypt material.
//
// The guard is not yet advanced: callers decrypt first and then call
// ConfirmInbound, so a forged message that fails authentication cannot
// block later legitimate indices.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - sessionID: Session identifier from the ciphertext message
//   - index: Ratchet index from the ciphertext message
//
// Returns:
//   - *megolm.InboundGroupSession: Session able to decrypt the message
//   - error: ErrUnknownSession, ErrReplayedIndex or ErrPersistence
func (s *Store) AcceptInbound(ctx context.Context, sessionID uuid.UUID, index uint32) (*megolm.InboundGroupSession, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var (
		device     string
		ratchet    []byte
		counter    int64
		publicKey  []byte
		highestIdx int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT device, ratchet, counter, public_key, highest_index
		 FROM inbound_sessions WHERE session_id = ?`,
		sessionID.String(),
	).Scan(&device, &ratchet, &counter, &publicKey, &highestIdx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if highestIdx >= 0 && int64(index) <= highestIdx {
		return nil, fmt.Errorf("%w: index %d, highest accepted %d", ErrReplayedIndex, index, highestIdx)
	}

	session, err := megolm.InboundGroupSessionFromState(sessionID, ratchet, uint32(counter), publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return session, nil
}

// ConfirmInbound durably records a successfully decrypted index as the
// highest accepted for the session. Indices at or below the recorded
// highest are left untouched.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - sessionID: Session the message belonged to
//   - index: The decrypted message's ratchet index
//
// Returns:
//   - error: ErrPersistence if the guard could not be written
func (s *Store) ConfirmInbound(ctx context.Context, sessionID uuid.UUID, index uint32) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE inbound_sessions SET highest_index = ?, updated_at = ?
		 WHERE session_id = ? AND highest_index < ?`,
		int64(index), nowUTC(), sessionID.String(), int64(index),
	); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// SessionInfo describes one stored session for the offline tooling.
type SessionInfo struct {
	Device    string
	SessionID uuid.UUID
	Index     uint32
	Inbound   bool
}

// ListSessions returns all stored outbound and inbound sessions.
//
// Returns:
//   - []SessionInfo: Outbound sessions first, then inbound
//   - error: ErrPersistence on query failure
func (s *Store) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var infos []SessionInfo

	rows, err := s.db.QueryContext(ctx,
		`SELECT device, session_id, counter FROM outbound_sessions ORDER BY device`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var info SessionInfo
		var id string
		var counter int64
		if err := rows.Scan(&info.Device, &id, &counter); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		info.SessionID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		info.Index = uint32(counter)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	inRows, err := s.db.QueryContext(ctx,
		`SELECT device, session_id, highest_index FROM inbound_sessions ORDER BY device`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer inRows.Close()
	for inRows.Next() {
		var info SessionInfo
		var id string
		var highest int64
		if err := inRows.Scan(&info.Device, &id, &highest); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		info.SessionID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if highest >= 0 {
			info.Index = uint32(highest)
		}
		info.Inbound = true
		infos = append(infos, info)
	}
	if err := inRows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return infos, nil
}

// outboundSession loads a device's outbound session for export.
func (s *Store) outboundSession(ctx context.Context, device string) (*megolm.GroupSession, error) {
	lock := s.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	row, err := s.loadOutbound(ctx, device)
	if err != nil {
		return nil, err
	}
	session, err := megolm.GroupSessionFromState(row.sessionID, row.ratchet, row.counter, row.signingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return session, nil
}

// loadOutbound reads a device's outbound session row.
func (s *Store) loadOutbound(ctx context.Context, device string) (*outboundRow, error) {
	var (
		row outboundRow
		id  string
		ctr int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, ratchet, counter, signing_key
		 FROM outbound_sessions WHERE device = ?`,
		device,
	).Scan(&id, &row.ratchet, &ctr, &row.signingKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no outbound session for device %q", ErrUnknownSession, device)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	row.device = device
	row.counter = uint32(ctr)
	row.sessionID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &row, nil
}

// createOutbound creates and persists a fresh session for a device.
// Caller must hold the device lock.
func (s *Store) createOutbound(ctx context.Context, device string) (*outboundRow, error) {
	session, err := megolm.NewGroupSession()
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if err := s.upsertOutbound(ctx, device, session); err != nil {
		return nil, err
	}
	return &outboundRow{
		device:     device,
		sessionID:  session.ID(),
		ratchet:    session.RatchetState(),
		counter:    session.MessageIndex(),
		signingKey: session.SigningKey(),
	}, nil
}

// upsertOutbound writes a session as the device's outbound state.
// Caller must hold the device lock.
func (s *Store) upsertOutbound(ctx context.Context, device string, session *megolm.GroupSession) error {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbound_sessions
		 (device, session_id, ratchet, counter, signing_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device) DO UPDATE SET
		 session_id = excluded.session_id,
		 ratchet = excluded.ratchet,
		 counter = excluded.counter,
		 signing_key = excluded.signing_key,
		 updated_at = excluded.updated_at`,
		device, session.ID().String(), session.RatchetState(),
		int64(session.MessageIndex()), session.SigningKey(), now, now,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// deviceLock returns the mutex serializing a device's outbound state.
func (s *Store) deviceLock(device string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.outboundLocks[device]
	if !ok {
		lock = &sync.Mutex{}
		s.outboundLocks[device] = lock
	}
	return lock
}

// sessionLock returns the mutex serializing an inbound session's guard.
func (s *Store) sessionLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.inboundLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.inboundLocks[id] = lock
	}
	return lock
}

// nowUTC formats the current time for timestamp columns.
func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// isUniqueViolation reports whether err is a SQLite unique or primary
// key constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
