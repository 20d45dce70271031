// Package service wires the dispatch router, script store, and sandbox
// pool into the signing operations the HTTP layer exposes.
package service

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"signd/internal/dispatch"
	"signd/internal/pool"
	"signd/internal/script"
	"signd/internal/signing"
	"signd/internal/telemetry"
)

// Signer executes signing requests against the active script and applies
// script and rule updates. It is safe for concurrent use.
type Signer struct {
	logger        *zap.Logger
	router        *dispatch.Router
	store         *script.Store
	pool          *pool.Pool
	history       signing.HistoryStore
	archive       signing.Archive
	publisher     signing.Publisher
	clock         signing.Clock
	invokeTimeout time.Duration
	archivePrefix string
}

// Options collects the Signer's collaborators. History, Archive, and
// Publisher are auxiliary: their failures are logged, never surfaced to
// the caller of an update.
type Options struct {
	Logger        *zap.Logger
	Router        *dispatch.Router
	Store         *script.Store
	Pool          *pool.Pool
	History       signing.HistoryStore
	Archive       signing.Archive
	Publisher     signing.Publisher
	Clock         signing.Clock
	InvokeTimeout time.Duration
	ArchivePrefix string
}

// New builds a Signer from its collaborators.
func New(opts Options) *Signer {
	return &Signer{
		logger:        opts.Logger,
		router:        opts.Router,
		store:         opts.Store,
		pool:          opts.Pool,
		history:       opts.History,
		archive:       opts.Archive,
		publisher:     opts.Publisher,
		clock:         opts.Clock,
		invokeTimeout: opts.InvokeTimeout,
		archivePrefix: opts.ArchivePrefix,
	}
}

// Sign resolves the entry point for the request, leases a warm sandbox
// context, and invokes the active script. The lease is returned to the
// pool in every path; a faulted context is replaced transparently.
func (s *Signer) Sign(ctx context.Context, req signing.Request) (signing.Result, error) {
	if err := validateRequest(req); err != nil {
		telemetry.ObserveSign(req.Platform, "", "invalid_request", 0)
		return signing.Result{}, err
	}
	// A platform no rule covers is a request-shape failure; NoRuleMatched
	// is reserved for a known platform whose URI falls through the table.
	if !s.router.Platforms()[req.Platform] {
		telemetry.ObserveSign(req.Platform, "", "invalid_request", 0)
		return signing.Result{}, signing.Errorf(signing.KindInvalidRequest,
			"unknown platform %q", req.Platform)
	}

	entryPoint, err := s.router.Resolve(req)
	if err != nil {
		telemetry.ObserveSign(req.Platform, "", string(signing.KindOf(err)), 0)
		return signing.Result{}, err
	}

	waitStart := s.clock.Now()
	lease, err := s.pool.Acquire(ctx)
	telemetry.ObserveAcquireWait(s.clock.Now().Sub(waitStart))
	if err != nil {
		telemetry.ObserveSign(req.Platform, entryPoint, string(signing.KindOf(err)), 0)
		return signing.Result{}, err
	}

	sandboxID := lease.Context().ID()
	invokeStart := s.clock.Now()
	token, err := lease.Context().Invoke(entryPoint, req.Parameters, req.UserAgent, s.invokeTimeout)
	elapsed := s.clock.Now().Sub(invokeStart)

	// A missing entry point is a configuration fault, not a context
	// fault; the context stays in rotation.
	healthy := err == nil || signing.IsKind(err, signing.KindEntryPointNotFound)
	s.pool.Release(lease, healthy)

	if err != nil {
		telemetry.ObserveSign(req.Platform, entryPoint, string(signing.KindOf(err)), elapsed)
		s.logger.Warn("sign invocation failed",
			zap.String("platform", req.Platform),
			zap.String("entry_point", entryPoint),
			zap.String("context_id", sandboxID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return signing.Result{}, err
	}

	telemetry.ObserveSign(req.Platform, entryPoint, "ok", elapsed)
	s.logger.Debug("sign ok",
		zap.String("platform", req.Platform),
		zap.String("entry_point", entryPoint),
		zap.String("context_id", sandboxID),
		zap.Duration("elapsed", elapsed),
	)

	return signing.Result{Token: token, EntryPoint: entryPoint, Elapsed: elapsed}, nil
}

func validateRequest(req signing.Request) error {
	if req.TargetURI == "" {
		return signing.Errorf(signing.KindInvalidRequest, "target_uri is required")
	}
	if _, err := url.Parse(req.TargetURI); err != nil {
		return signing.Errorf(signing.KindInvalidRequest, "target_uri %q is not a parseable URI", req.TargetURI)
	}
	if req.Platform == "" {
		return signing.Errorf(signing.KindInvalidRequest, "platform is required")
	}
	if req.Parameters == nil {
		return signing.Errorf(signing.KindInvalidRequest, "parameters are required")
	}
	return nil
}

// UpdateScript validates and atomically publishes a new script version,
// marks pooled contexts stale, and fans out to the audit store, archive,
// and rotation topic. Auxiliary failures are logged but do not fail the
// update: once the store accepted the script it is active.
func (s *Signer) UpdateScript(ctx context.Context, source, submittedBy string) (signing.Script, error) {
	previous := s.store.Current()

	sc, err := s.store.Load(source)
	if err != nil {
		telemetry.ObserveScriptReload("rejected")
		s.logger.Warn("script update rejected", zap.Error(err))
		return signing.Script{}, err
	}

	s.pool.OnScriptUpdated(sc)
	telemetry.ObserveScriptReload("accepted")
	s.logger.Info("script updated",
		zap.String("previous_hash", previous.Hash),
		zap.String("new_hash", sc.Hash),
		zap.Int("size_bytes", sc.Size),
	)

	version := signing.ScriptVersion{
		Hash:        sc.Hash,
		Size:        sc.Size,
		LoadedAt:    sc.LoadedAt,
		SubmittedBy: submittedBy,
	}
	if err := s.history.RecordVersion(ctx, version); err != nil {
		s.logger.Warn("failed to record script version", zap.String("hash", sc.Hash), zap.Error(err))
	}

	objectName := fmt.Sprintf("%s/%s.js", s.archivePrefix, sc.Hash)
	if err := s.archive.Save(ctx, objectName, []byte(source)); err != nil {
		s.logger.Warn("failed to archive script", zap.String("object", objectName), zap.Error(err))
	}

	event := signing.RotationEvent{
		PreviousHash: previous.Hash,
		NewHash:      sc.Hash,
		At:           s.clock.Now(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish rotation event", zap.String("hash", sc.Hash), zap.Error(err))
	}

	return sc, nil
}

// UpdateRules atomically replaces the dispatch rule set. A compile error
// in any rule rejects the whole set and leaves the previous rules active.
func (s *Signer) UpdateRules(rules []signing.Rule) error {
	if err := s.router.Update(rules); err != nil {
		return err
	}
	s.logger.Info("dispatch rules updated", zap.Int("count", len(rules)))
	return nil
}

// Rules returns the active dispatch rule set.
func (s *Signer) Rules() []signing.Rule {
	return s.router.Rules()
}

// CurrentScript returns the active script version.
func (s *Signer) CurrentScript() signing.Script {
	return s.store.Current()
}

// Versions returns recent script versions, newest first.
func (s *Signer) Versions() []signing.ScriptVersion {
	return s.store.Versions()
}

// Ready reports whether at least one sandbox context can serve traffic.
func (s *Signer) Ready() bool {
	return s.pool.Ready()
}
