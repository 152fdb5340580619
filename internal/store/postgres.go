package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mahaddinnagiyev/connectify/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// UpsertUser inserts or updates a directory entry.
func (s *PostgresStore) UpsertUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, display_name, avatar_url, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url
	`, user.ID, user.Username, user.DisplayName, user.AvatarURL, user.CreatedAt)
	return err
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, display_name, avatar_url, created_at
		FROM users WHERE id = $1
	`, id).Scan(
		&user.ID,
		&user.Username,
		&user.DisplayName,
		&user.AvatarURL,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// GetUsers retrieves the users that exist among ids, keyed by id.
func (s *PostgresStore) GetUsers(ctx context.Context, ids []string) (map[string]*models.User, error) {
	out := make(map[string]*models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, username, display_name, avatar_url, created_at
		FROM users WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		user := &models.User{}
		if err := rows.Scan(&user.ID, &user.Username, &user.DisplayName, &user.AvatarURL, &user.CreatedAt); err != nil {
			return nil, err
		}
		out[user.ID] = user
	}
	return out, rows.Err()
}

// CreateBlock records that blocker has blocked blocked. Repeating it is a no-op.
func (s *PostgresStore) CreateBlock(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blocks (blocker_id, blocked_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, blockerID, blockedID)
	return err
}

// DeleteBlock removes a block edge.
func (s *PostgresStore) DeleteBlock(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM blocks WHERE blocker_id = $1 AND blocked_id = $2
	`, blockerID, blockedID)
	return err
}

// IsBlocked reports whether a block edge exists between the pair in either direction.
func (s *PostgresStore) IsBlocked(ctx context.Context, userA, userB string) (bool, error) {
	var blocked bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM blocks
			WHERE (blocker_id = $1 AND blocked_id = $2) OR (blocker_id = $2 AND blocked_id = $1)
		)
	`, userA, userB).Scan(&blocked)
	return blocked, err
}

// CreateRoom inserts a room. Returns ErrConflict when the pair already has one.
func (s *PostgresStore) CreateRoom(ctx context.Context, room *models.Room) error {
	_, _, key := models.PairKey(room.UserA, room.UserB)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rooms (id, user_a, user_b, pair_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, room.ID, room.UserA, room.UserB, key, room.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanPostgresRoom(row pgx.Row) (*models.Room, error) {
	room := &models.Room{}
	if err := row.Scan(&room.ID, &room.UserA, &room.UserB, &room.CreatedAt, &room.LastMessageAt); err != nil {
		return nil, err
	}
	return room, nil
}

// GetRoom retrieves a room by ID.
func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room, err := scanPostgresRoom(s.pool.QueryRow(ctx, `
		SELECT id, user_a, user_b, created_at, last_message_at
		FROM rooms WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return room, err
}

// GetRoomByPair retrieves the room of an unordered pair.
func (s *PostgresStore) GetRoomByPair(ctx context.Context, userA, userB string) (*models.Room, error) {
	_, _, key := models.PairKey(userA, userB)
	room, err := scanPostgresRoom(s.pool.QueryRow(ctx, `
		SELECT id, user_a, user_b, created_at, last_message_at
		FROM rooms WHERE pair_key = $1
	`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return room, err
}

// ListRoomsForUser retrieves every room the user participates in, most recently active first.
func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_a, user_b, created_at, last_message_at
		FROM rooms
		WHERE user_a = $1 OR user_b = $1
		ORDER BY COALESCE(last_message_at, created_at) DESC, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		room, err := scanPostgresRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// InsertMessage appends a message and bumps the room's activity in one transaction.
// msg.Seq is set from the store.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	var mediaName *string
	if msg.MediaName != "" {
		mediaName = &msg.MediaName
	}

	var seq int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO messages (id, room_id, sender_id, type, content, media_name, media_size_bytes,
				parent_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING seq
		`, msg.ID, msg.RoomID, msg.SenderID, string(msg.Type), msg.Content, mediaName, msg.MediaSizeBytes,
			msg.ParentMessageID, int16(msg.Status), msg.CreatedAt).Scan(&seq); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			UPDATE rooms SET last_message_at = GREATEST(COALESCE(last_message_at, $1), $1)
			WHERE id = $2
		`, msg.CreatedAt, msg.RoomID)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}

	msg.Seq = seq
	return nil
}

func scanPostgresMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	var (
		msgType                  string
		status                   int16
		parentDeleted            *time.Time
		pSender, pType, pContent *string
	)
	err := row.Scan(&msg.Seq, &msg.ID, &msg.RoomID, &msg.SenderID, &msgType, &msg.Content,
		&msg.MediaName, &msg.MediaSizeBytes, &msg.ParentMessageID, &status, &msg.CreatedAt, &msg.DeletedAt,
		&pSender, &pType, &pContent, &parentDeleted)
	if err != nil {
		return nil, err
	}

	msg.Type = models.MessageType(msgType)
	msg.Status = models.MessageStatus(status)
	msg.CreatedAt = msg.CreatedAt.UTC()

	resolveParent(msg, parentColumns{
		senderID: pSender,
		msgType:  pType,
		content:  pContent,
		deleted:  parentDeleted != nil,
	})
	return msg, nil
}

// GetMessage retrieves a message by ID, including unsent ones.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanPostgresMessage(s.pool.QueryRow(ctx, messageSelect+` WHERE m.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// ListMessages returns up to limit non-deleted messages of a room, newest first,
// strictly older than before when it is set.
func (s *PostgresStore) ListMessages(ctx context.Context, roomID string, limit int, before *Cursor) ([]models.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if before == nil {
		rows, err = s.pool.Query(ctx, messageSelect+`
			WHERE m.room_id = $1 AND m.deleted_at IS NULL
			ORDER BY m.created_at DESC, m.seq DESC
			LIMIT $2
		`, roomID, limit)
	} else {
		rows, err = s.pool.Query(ctx, messageSelect+`
			WHERE m.room_id = $1 AND m.deleted_at IS NULL
				AND (m.created_at, m.seq) < ($2, $3)
			ORDER BY m.created_at DESC, m.seq DESC
			LIMIT $4
		`, roomID, before.CreatedAt, before.Seq, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// LastMessage returns the newest non-deleted message of a room.
func (s *PostgresStore) LastMessage(ctx context.Context, roomID string) (*models.Message, error) {
	messages, err := s.ListMessages(ctx, roomID, 1, nil)
	if err != nil || len(messages) == 0 {
		return nil, err
	}
	return &messages[0], nil
}

// SoftDeleteMessage sets deleted_at once. Returns false if it was already set.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL
	`, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AdvanceStatus moves a message forward to status. Returns false if it was already there or beyond.
func (s *PostgresStore) AdvanceStatus(ctx context.Context, id string, status models.MessageStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $1 WHERE id = $2 AND status < $1
	`, int16(status), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRoomRead marks every message the peer sent in the room as read.
// Returns how many messages changed.
func (s *PostgresStore) MarkRoomRead(ctx context.Context, roomID, readerID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $1
		WHERE room_id = $2 AND sender_id <> $3 AND status < $1
	`, int16(models.StatusRead), roomID, readerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountUnread counts visible messages in the room the user has not read.
func (s *PostgresStore) CountUnread(ctx context.Context, roomID, userID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE room_id = $1 AND sender_id <> $2 AND status < $3 AND deleted_at IS NULL
	`, roomID, userID, int16(models.StatusRead)).Scan(&n)
	return n, err
}
