package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mahaddinnagiyev/connectify/internal/models"
)

// SQLiteStore handles SQLite database operations.
// Timestamps are stored as unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/connectify.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/connectify.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blocks (
		blocker_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		blocked_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (blocker_id, blocked_id)
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		user_a TEXT NOT NULL REFERENCES users(id),
		user_b TEXT NOT NULL REFERENCES users(id),
		pair_key TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		last_message_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL REFERENCES users(id),
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		media_name TEXT,
		media_size_bytes INTEGER,
		parent_id TEXT REFERENCES messages(id),
		status INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		deleted_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_user_a ON rooms(user_a);
	CREATE INDEX IF NOT EXISTS idx_rooms_user_b ON rooms(user_b);
	CREATE INDEX IF NOT EXISTS idx_messages_room_order ON messages(room_id, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_blocks_blocked ON blocks(blocked_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func fromNullMicros(us sql.NullInt64) *time.Time {
	if !us.Valid {
		return nil
	}
	t := fromMicros(us.Int64)
	return &t
}

func isSQLiteConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// UpsertUser inserts or updates a directory entry.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url
	`, user.ID, user.Username, user.DisplayName, user.AvatarURL, toMicros(user.CreatedAt))
	return err
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, avatar_url, created_at
		FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Username, &user.DisplayName, &user.AvatarURL, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	user.CreatedAt = fromMicros(createdAt)
	return user, nil
}

// GetUsers retrieves the users that exist among ids, keyed by id.
func (s *SQLiteStore) GetUsers(ctx context.Context, ids []string) (map[string]*models.User, error) {
	out := make(map[string]*models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, display_name, avatar_url, created_at
		FROM users WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		user := &models.User{}
		var createdAt int64
		if err := rows.Scan(&user.ID, &user.Username, &user.DisplayName, &user.AvatarURL, &createdAt); err != nil {
			return nil, err
		}
		user.CreatedAt = fromMicros(createdAt)
		out[user.ID] = user
	}
	return out, rows.Err()
}

// CreateBlock records that blocker has blocked blocked. Repeating it is a no-op.
func (s *SQLiteStore) CreateBlock(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO blocks (blocker_id, blocked_id, created_at)
		VALUES (?, ?, ?)
	`, blockerID, blockedID, toMicros(time.Now()))
	return err
}

// DeleteBlock removes a block edge.
func (s *SQLiteStore) DeleteBlock(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?
	`, blockerID, blockedID)
	return err
}

// IsBlocked reports whether a block edge exists between the pair in either direction.
func (s *SQLiteStore) IsBlocked(ctx context.Context, userA, userB string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocks
		WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)
	`, userA, userB, userB, userA).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateRoom inserts a room. Returns ErrConflict when the pair already has one.
func (s *SQLiteStore) CreateRoom(ctx context.Context, room *models.Room) error {
	_, _, key := models.PairKey(room.UserA, room.UserB)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, user_a, user_b, pair_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, room.ID, room.UserA, room.UserB, key, toMicros(room.CreatedAt))
	if isSQLiteConflict(err) {
		return ErrConflict
	}
	return err
}

func scanSQLiteRoom(row interface{ Scan(...any) error }) (*models.Room, error) {
	room := &models.Room{}
	var createdAt int64
	var lastMessageAt sql.NullInt64
	if err := row.Scan(&room.ID, &room.UserA, &room.UserB, &createdAt, &lastMessageAt); err != nil {
		return nil, err
	}
	room.CreatedAt = fromMicros(createdAt)
	room.LastMessageAt = fromNullMicros(lastMessageAt)
	return room, nil
}

// GetRoom retrieves a room by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room, err := scanSQLiteRoom(s.db.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, created_at, last_message_at
		FROM rooms WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return room, err
}

// GetRoomByPair retrieves the room of an unordered pair.
func (s *SQLiteStore) GetRoomByPair(ctx context.Context, userA, userB string) (*models.Room, error) {
	_, _, key := models.PairKey(userA, userB)
	room, err := scanSQLiteRoom(s.db.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, created_at, last_message_at
		FROM rooms WHERE pair_key = ?
	`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return room, err
}

// ListRoomsForUser retrieves every room the user participates in, most recently active first.
func (s *SQLiteStore) ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_a, user_b, created_at, last_message_at
		FROM rooms
		WHERE user_a = ? OR user_b = ?
		ORDER BY COALESCE(last_message_at, created_at) DESC, id
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		room, err := scanSQLiteRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// InsertMessage appends a message and bumps the room's activity in one transaction.
// msg.Seq is set from the store.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var mediaName *string
	if msg.MediaName != "" {
		mediaName = &msg.MediaName
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, type, content, media_name, media_size_bytes,
			parent_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.RoomID, msg.SenderID, string(msg.Type), msg.Content, mediaName, msg.MediaSizeBytes,
		msg.ParentMessageID, int(msg.Status), toMicros(msg.CreatedAt))
	if err != nil {
		if isSQLiteConflict(err) {
			return ErrConflict
		}
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rooms SET last_message_at = MAX(COALESCE(last_message_at, 0), ?)
		WHERE id = ?
	`, toMicros(msg.CreatedAt), msg.RoomID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	msg.Seq = seq
	return nil
}

func scanSQLiteMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	msg := &models.Message{}
	var (
		msgType, parentID        sql.NullString
		mediaSize                sql.NullInt64
		status                   int
		createdAt                int64
		deletedAt, parentDeleted sql.NullInt64
		pSender, pType, pContent sql.NullString
	)
	err := row.Scan(&msg.Seq, &msg.ID, &msg.RoomID, &msg.SenderID, &msgType, &msg.Content,
		&msg.MediaName, &mediaSize, &parentID, &status, &createdAt, &deletedAt,
		&pSender, &pType, &pContent, &parentDeleted)
	if err != nil {
		return nil, err
	}

	msg.Type = models.MessageType(msgType.String)
	msg.Status = models.MessageStatus(status)
	msg.CreatedAt = fromMicros(createdAt)
	msg.DeletedAt = fromNullMicros(deletedAt)
	if mediaSize.Valid {
		size := mediaSize.Int64
		msg.MediaSizeBytes = &size
	}
	if parentID.Valid {
		pid := parentID.String
		msg.ParentMessageID = &pid
	}

	resolveParent(msg, parentColumns{
		senderID: nullStringPtr(pSender),
		msgType:  nullStringPtr(pType),
		content:  nullStringPtr(pContent),
		deleted:  parentDeleted.Valid,
	})
	return msg, nil
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

// GetMessage retrieves a message by ID, including unsent ones.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// ListMessages returns up to limit non-deleted messages of a room, newest first,
// strictly older than before when it is set.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID string, limit int, before *Cursor) ([]models.Message, error) {
	query := messageSelect + ` WHERE m.room_id = ? AND m.deleted_at IS NULL`
	args := []any{roomID}
	if before != nil {
		at := toMicros(before.CreatedAt)
		query += ` AND (m.created_at < ? OR (m.created_at = ? AND m.seq < ?))`
		args = append(args, at, at, before.Seq)
	}
	query += ` ORDER BY m.created_at DESC, m.seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// LastMessage returns the newest non-deleted message of a room.
func (s *SQLiteStore) LastMessage(ctx context.Context, roomID string) (*models.Message, error) {
	messages, err := s.ListMessages(ctx, roomID, 1, nil)
	if err != nil || len(messages) == 0 {
		return nil, err
	}
	return &messages[0], nil
}

// SoftDeleteMessage sets deleted_at once. Returns false if it was already set.
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
	`, toMicros(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AdvanceStatus moves a message forward to status. Returns false if it was already there or beyond.
func (s *SQLiteStore) AdvanceStatus(ctx context.Context, id string, status models.MessageStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ? WHERE id = ? AND status < ?
	`, int(status), id, int(status))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRoomRead marks every message the peer sent in the room as read.
// Returns how many messages changed.
func (s *SQLiteStore) MarkRoomRead(ctx context.Context, roomID, readerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?
		WHERE room_id = ? AND sender_id <> ? AND status < ?
	`, int(models.StatusRead), roomID, readerID, int(models.StatusRead))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountUnread counts visible messages in the room the user has not read.
func (s *SQLiteStore) CountUnread(ctx context.Context, roomID, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE room_id = ? AND sender_id <> ? AND status < ? AND deleted_at IS NULL
	`, roomID, userID, int(models.StatusRead)).Scan(&n)
	return n, err
}
