// Package service is the application facade over the session manager and
// the state store, including session file operations.
package service

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tci/internal/execution"
	"tci/internal/governor"
	"tci/internal/pool"
	"tci/internal/session"
	"tci/internal/store"
	appErr "tci/pkg/errors"
	"tci/pkg/utils/logger"

	"go.uber.org/zap"
)

// Service exposes the operations the transport layer serves.
type Service struct {
	manager *session.Manager
	store   store.Client
	gov     *governor.Governor
}

// New builds the service.
func New(manager *session.Manager, st store.Client, gov *governor.Governor) *Service {
	return &Service{manager: manager, store: st, gov: gov}
}

// CreateSession provisions a new session.
func (s *Service) CreateSession(ctx context.Context, req session.CreateRequest) (*store.Metadata, error) {
	return s.manager.Create(ctx, req)
}

// GetSession returns session metadata.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*store.Metadata, error) {
	return s.manager.Get(ctx, sessionID)
}

// CloseSession tears a session down; closing twice is a no-op.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	return s.manager.Close(ctx, sessionID)
}

// Execute runs code inside a session.
func (s *Service) Execute(ctx context.Context, sessionID string, req execution.Request) (*execution.Record, error) {
	return s.manager.Execute(ctx, sessionID, req)
}

// GetExecution returns a persisted execution record.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*execution.Record, error) {
	return s.store.GetExecution(ctx, executionID)
}

// ListExecutions returns the execution ids recorded for a session.
func (s *Service) ListExecutions(ctx context.Context, sessionID string) ([]string, error) {
	return s.store.ListExecutions(ctx, sessionID)
}

// UploadFile places a file into the live workspace and persists a durable
// copy in the state store.
func (s *Service) UploadFile(ctx context.Context, sessionID, path string, data []byte) error {
	if err := validateRelPath(path); err != nil {
		return err
	}
	workDir, err := s.manager.Workspace(sessionID)
	if err != nil {
		return err
	}
	target := filepath.Join(workDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return appErr.Wrap(err, appErr.InternalServerError)
	}
	if err := os.WriteFile(target, data, 0640); err != nil {
		return appErr.Wrap(err, appErr.InternalServerError)
	}
	if err := s.store.PutFile(ctx, sessionID, path, data); err != nil {
		logger.Warn(ctx, "durable file copy failed",
			zap.String("session_id", sessionID),
			zap.String("path", path),
			zap.Error(err))
	}
	s.manager.Touch(sessionID)
	return nil
}

// DownloadFile reads a file from the live workspace, falling back to the
// durable copy while the session is alive. Files do not outlive the
// session; after close they are gone along with the stored copies.
func (s *Service) DownloadFile(ctx context.Context, sessionID, path string) ([]byte, error) {
	if err := validateRelPath(path); err != nil {
		return nil, err
	}
	workDir, err := s.manager.Workspace(sessionID)
	if err == nil {
		data, readErr := os.ReadFile(filepath.Join(workDir, filepath.FromSlash(path)))
		if readErr == nil {
			s.manager.Touch(sessionID)
			return data, nil
		}
		if !os.IsNotExist(readErr) {
			return nil, appErr.Wrap(readErr, appErr.InternalServerError)
		}
	}
	return s.store.GetFile(ctx, sessionID, path)
}

// ListFiles lists workspace files for a live session. For a session not
// owned by this process it falls back to the store index, which is empty
// once the session has been closed.
func (s *Service) ListFiles(ctx context.Context, sessionID string) ([]string, error) {
	workDir, err := s.manager.Workspace(sessionID)
	if err != nil {
		return s.store.ListFiles(ctx, sessionID)
	}
	var paths []string
	walkErr := filepath.Walk(workDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(workDir, p)
		if relErr != nil {
			return relErr
		}
		if info.IsDir() {
			if strings.HasPrefix(rel, ".") && rel != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(rel, ".") {
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		return nil, appErr.Wrap(walkErr, appErr.InternalServerError)
	}
	sort.Strings(paths)
	return paths, nil
}

// Status is the operational snapshot served by the status endpoint.
type Status struct {
	Pool               pool.Stats `json:"pool"`
	LiveSessions       int        `json:"liveSessions"`
	InFlightExecutions int        `json:"inFlightExecutions"`
}

// Status reports pool occupancy, live session count and executions
// currently consuming resources.
func (s *Service) Status() Status {
	return Status{
		Pool:               s.manager.PoolStats(),
		LiveSessions:       len(s.manager.List()),
		InFlightExecutions: s.gov.InFlight(),
	}
}

func validateRelPath(path string) error {
	if path == "" {
		return appErr.New(appErr.RequiredFieldEmpty).WithDetail("field", "path")
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, "..") {
		return appErr.New(appErr.InvalidParams).
			WithMessagef("file path %q must stay inside the workspace", path)
	}
	return nil
}
