package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ishara/deskmate/internal/observability"
	"github.com/ishara/deskmate/internal/tracing"
)

// Message represents a single conversation turn.
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Entry is one JSONL line: a message or a state delta, never both.
type Entry struct {
	SessionKey string                 `json:"sessionKey"`
	Message    *Message               `json:"message,omitempty"`
	StateDelta map[string]interface{} `json:"stateDelta,omitempty"`
}

// Session is the replayed view of one session file.
type Session struct {
	Key      string
	Messages []Message
	State    map[string]interface{}
}

// Manager persists sessions as JSONL files under a single directory.
type Manager struct {
	sessionsDir string
	writeLocks  map[string]*sync.Mutex
	locksMu     sync.RWMutex
}

// New creates a session manager rooted at sessionsDir. An empty dir defaults
// to ~/.deskmate/sessions.
func New(sessionsDir string) (*Manager, error) {
	observability.EnsureRegistered()

	if sessionsDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		sessionsDir = filepath.Join(homeDir, ".deskmate", "sessions")
	}

	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	sm := &Manager{
		sessionsDir: sessionsDir,
		writeLocks:  make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", sessionsDir).Msg("Session manager initialized")
	sm.updateActiveSessionsMetric()

	return sm, nil
}

// validateKey rejects keys that could escape the sessions directory.
func (sm *Manager) validateKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (sm *Manager) sessionPath(sessionKey string) string {
	return filepath.Join(sm.sessionsDir, sessionKey+".jsonl")
}

func (sm *Manager) updateActiveSessionsMetric() {
	sessions, err := sm.List()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(sessions))
}

func (sm *Manager) getWriteLock(sessionKey string) *sync.Mutex {
	sm.locksMu.Lock()
	defer sm.locksMu.Unlock()

	if lock, exists := sm.writeLocks[sessionKey]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	sm.writeLocks[sessionKey] = lock
	return lock
}

func (sm *Manager) releaseWriteLock(sessionKey string) {
	sm.locksMu.Lock()
	defer sm.locksMu.Unlock()
	delete(sm.writeLocks, sessionKey)
}

// Create creates an empty session file if one does not exist yet.
func (sm *Manager) Create(ctx context.Context, sessionKey string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"deskmate.session",
		"session.create",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	if err := sm.validateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	path := sm.sessionPath(sessionKey)

	if _, err := os.Stat(path); err == nil {
		logger.Debug().Msg("Session already exists")
		return nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create session file: %w", err)
	}
	file.Close()

	sm.updateActiveSessionsMetric()
	logger.Info().Msg("Session created")

	return nil
}

// AppendMessage appends a conversation turn to a session.
func (sm *Manager) AppendMessage(ctx context.Context, sessionKey string, message Message) error {
	if message.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if message.Content == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	return sm.appendEntry(ctx, sessionKey, "session.append_message", Entry{
		SessionKey: sessionKey,
		Message:    &message,
	})
}

// UpdateState appends a state delta to a session. A nil value in the delta
// removes the key when the session is replayed.
func (sm *Manager) UpdateState(ctx context.Context, sessionKey string, delta map[string]interface{}) error {
	if len(delta) == 0 {
		return fmt.Errorf("state delta cannot be empty")
	}

	return sm.appendEntry(ctx, sessionKey, "session.update_state", Entry{
		SessionKey: sessionKey,
		StateDelta: delta,
	})
}

func (sm *Manager) appendEntry(ctx context.Context, sessionKey, op string, entry Entry) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"deskmate.session",
		op,
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := sm.validateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := sm.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	path := sm.sessionPath(sessionKey)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := sm.Create(ctx, sessionKey); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write entry: %w", err)
	}

	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync file: %w", err)
	}

	logger.Debug().Msg("Session entry appended")

	return nil
}

// Load replays a session file into its message history and state. A session
// that does not exist yet loads as empty.
func (sm *Manager) Load(ctx context.Context, sessionKey string) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"deskmate.session",
		"session.load",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := sm.validateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sess := &Session{
		Key:   sessionKey,
		State: make(map[string]interface{}),
	}

	path := sm.sessionPath(sessionKey)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug().Msg("Session does not exist")
		return sess, nil
	}

	file, err := os.Open(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.Warn().
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse line, skipping")
			continue
		}

		switch {
		case entry.Message != nil:
			if entry.Message.Role == "" || entry.Message.Content == "" {
				logger.Warn().Int("line", lineNum).Msg("Invalid message, skipping")
				continue
			}
			sess.Messages = append(sess.Messages, *entry.Message)

		case len(entry.StateDelta) > 0:
			for key, value := range entry.StateDelta {
				if value == nil {
					delete(sess.State, key)
					continue
				}
				sess.State[key] = value
			}

		default:
			logger.Warn().Int("line", lineNum).Msg("Empty entry, skipping")
		}
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	logger.Debug().
		Int("messages", len(sess.Messages)).
		Int("state_keys", len(sess.State)).
		Msg("Session loaded")

	return sess, nil
}

// Delete removes a session file.
func (sm *Manager) Delete(ctx context.Context, sessionKey string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"deskmate.session",
		"session.delete",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	if err := sm.validateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := sm.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(sm.sessionPath(sessionKey)); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	sm.releaseWriteLock(sessionKey)
	sm.updateActiveSessionsMetric()

	logger.Info().Msg("Session deleted")

	return nil
}

// List lists all session keys.
func (sm *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(sm.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}

	return sessions, nil
}

// Repair rewrites a session file keeping only the lines that still parse.
func (sm *Manager) Repair(ctx context.Context, sessionKey string) error {
	sess, err := sm.Load(ctx, sessionKey)
	if err != nil {
		return err
	}

	if err := sm.replace(sessionKey, sess); err != nil {
		return err
	}

	log.Info().
		Str("session_key", sessionKey).
		Int("messages", len(sess.Messages)).
		Msg("Session repaired")

	return nil
}

// Prune rewrites a session keeping only the most recent maxMessages turns.
// State survives pruning.
func (sm *Manager) Prune(ctx context.Context, sessionKey string, maxMessages int) error {
	if maxMessages <= 0 {
		return nil
	}

	sess, err := sm.Load(ctx, sessionKey)
	if err != nil {
		return err
	}
	if len(sess.Messages) <= maxMessages {
		return nil
	}

	sess.Messages = sess.Messages[len(sess.Messages)-maxMessages:]

	if err := sm.replace(sessionKey, sess); err != nil {
		return err
	}

	log.Debug().
		Str("session_key", sessionKey).
		Int("messages", len(sess.Messages)).
		Msg("Session pruned")

	return nil
}

// replace atomically rewrites a session file from the replayed view.
func (sm *Manager) replace(sessionKey string, sess *Session) error {
	lock := sm.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	path := sm.sessionPath(sessionKey)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	writeEntry := func(entry Entry) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		_, err = file.Write(append(data, '\n'))
		return err
	}

	for i := range sess.Messages {
		if err := writeEntry(Entry{SessionKey: sessionKey, Message: &sess.Messages[i]}); err != nil {
			file.Close()
			os.Remove(tempPath)
			return err
		}
	}
	if len(sess.State) > 0 {
		if err := writeEntry(Entry{SessionKey: sessionKey, StateDelta: sess.State}); err != nil {
			file.Close()
			os.Remove(tempPath)
			return err
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	return nil
}

// Info returns metadata about a session.
func (sm *Manager) Info(ctx context.Context, sessionKey string) (map[string]interface{}, error) {
	if err := sm.validateKey(sessionKey); err != nil {
		return nil, err
	}

	info, err := os.Stat(sm.sessionPath(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session does not exist")
		}
		return nil, fmt.Errorf("failed to stat session file: %w", err)
	}

	sess, err := sm.Load(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"sessionKey":   sessionKey,
		"size":         info.Size(),
		"lastModified": info.ModTime(),
		"messageCount": len(sess.Messages),
	}, nil
}

// Close releases the manager's in-memory locks.
func (sm *Manager) Close() error {
	sm.locksMu.Lock()
	sm.writeLocks = make(map[string]*sync.Mutex)
	sm.locksMu.Unlock()

	log.Info().Msg("Session manager closed")

	return nil
}
