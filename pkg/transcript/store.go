// Package transcript persists conversation history as one JSONL file per
// session key.
package transcript

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

	"github.com/delverhq/delver/internal/observability"
	"github.com/delverhq/delver/internal/tracing"
	"github.com/delverhq/delver/pkg/think"
)

// Entry is one persisted conversation turn.
type Entry struct {
	SessionKey string        `json:"sessionKey"`
	Timestamp  time.Time     `json:"timestamp"`
	Message    think.Message `json:"message"`
}

// Store manages conversation persistence using JSONL format.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// New creates a transcript store rooted at dir.
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".delver", "transcripts")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcripts directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("Transcript store initialized")

	return s, nil
}

// validateSessionKey rejects keys that could escape the store directory.
func (s *Store) validateSessionKey(sessionKey string) error {
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

func (s *Store) path(sessionKey string) string {
	return filepath.Join(s.dir, sessionKey+".jsonl")
}

// getWriteLock gets or creates a write lock for a session
func (s *Store) getWriteLock(sessionKey string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[sessionKey]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.writeLocks[sessionKey] = lock
	return lock
}

func (s *Store) releaseWriteLock(sessionKey string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.writeLocks, sessionKey)
}

// Append appends a message to a session's transcript, creating the file on
// first write.
func (s *Store) Append(ctx context.Context, sessionKey string, message think.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"delver.transcript",
		"transcript.append",
		attribute.String("session_key", sessionKey),
		attribute.String("role", message.Role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()
	start := time.Now()
	defer func() {
		observability.RecordTranscriptSave(time.Since(start))
	}()

	if err := s.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if message.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if message.Content == "" && len(message.ToolCalls) == 0 && message.ToolCallID == "" {
		return fmt.Errorf("message has no content")
	}

	lock := s.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.path(sessionKey), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	entry := Entry{
		SessionKey: sessionKey,
		Timestamp:  time.Now(),
		Message:    message,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync file: %w", err)
	}

	logger.Debug().
		Str("role", message.Role).
		Msg("Message appended")

	return nil
}

// Load returns all messages recorded for a session. Corrupt lines are
// skipped with a warning, never an error.
func (s *Store) Load(ctx context.Context, sessionKey string) ([]think.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"delver.transcript",
		"transcript.load",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()
	start := time.Now()
	defer func() {
		observability.RecordTranscriptLoad(time.Since(start))
	}()

	if err := s.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(s.path(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug().Msg("Transcript does not exist")
			return []think.Message{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	var messages []think.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
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

		if entry.Message.Role == "" {
			logger.Warn().
				Int("line", lineNum).
				Msg("Invalid entry, skipping")
			continue
		}

		messages = append(messages, entry.Message)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read transcript file: %w", err)
	}

	logger.Debug().Int("messages", len(messages)).Msg("Transcript loaded")

	return messages, nil
}

// Delete removes a session's transcript file.
func (s *Store) Delete(ctx context.Context, sessionKey string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"delver.transcript",
		"transcript.delete",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	if err := s.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Wait for any in-progress writes
	lock := s.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(sessionKey)); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete transcript file: %w", err)
	}

	s.releaseWriteLock(sessionKey)
	logger.Info().Msg("Transcript deleted")

	return nil
}

// List returns the session keys with a transcript on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcripts directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".jsonl"))
	}

	return keys, nil
}

// Repair rewrites a transcript keeping only the lines that parse.
func (s *Store) Repair(ctx context.Context, sessionKey string) error {
	if err := s.validateSessionKey(sessionKey); err != nil {
		return err
	}

	// Load skips corrupted lines
	messages, err := s.Load(ctx, sessionKey)
	if err != nil {
		return err
	}

	lock := s.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	path := s.path(sessionKey)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, msg := range messages {
		data, err := json.Marshal(Entry{SessionKey: sessionKey, Timestamp: time.Now(), Message: msg})
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	// Atomic replace
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace transcript file: %w", err)
	}

	log.Info().
		Str("session_key", sessionKey).
		Int("entries", len(messages)).
		Msg("Transcript repaired")

	return nil
}

// Close drops all write locks.
func (s *Store) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()
	return nil
}
