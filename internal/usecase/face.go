package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-check/internal/facestore"
	"github.com/example/face-check/internal/imagecodec"
	"github.com/example/face-check/internal/logging"
	"github.com/example/face-check/internal/recognition"
	"github.com/example/face-check/internal/repository"
	"github.com/example/face-check/internal/retry"
)

// FaceStore persists one reference image per user.
type FaceStore interface {
	Put(ctx context.Context, userID string, img image.Image) error
	Get(ctx context.Context, userID string) (*image.RGBA, error)
}

// VerificationRepository defines the audit persistence used after verify.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error)
}

// VerifyResult is the outcome of comparing a presented face with the
// registered one.
type VerifyResult struct {
	RequestID  string
	Match      bool
	Distance   float64
	Confidence float64
}

// FaceUseCase sequences decoding, detection, storage and comparison for the
// register and verify flows.
type FaceUseCase struct {
	store     FaceStore
	detector  recognition.Detector
	repo      VerificationRepository
	cache     Cache
	logger    *zap.Logger
	tolerance float64
	policy    retry.Policy
	newID     func() string
	now       func() time.Time
}

// Option configures optional collaborators.
type Option func(*FaceUseCase)

// WithRepository enables the verification audit log.
func WithRepository(repo VerificationRepository) Option {
	return func(uc *FaceUseCase) { uc.repo = repo }
}

// WithCache enables caching of verification results.
func WithCache(cache Cache) Option {
	return func(uc *FaceUseCase) { uc.cache = cache }
}

// WithRetryPolicy overrides the backoff used on the audit path.
func WithRetryPolicy(p retry.Policy) Option {
	return func(uc *FaceUseCase) { uc.policy = p }
}

// NewFaceUseCase constructs a new use case instance.
func NewFaceUseCase(store FaceStore, detector recognition.Detector, logger *zap.Logger, opts ...Option) *FaceUseCase {
	uc := &FaceUseCase{
		store:     store,
		detector:  detector,
		logger:    logger.Named("face_usecase"),
		tolerance: recognition.DefaultTolerance,
		policy:    retry.DefaultPolicy,
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Register stores payload as userID's reference face. Nothing is written
// unless the payload decodes and contains at least one face.
func (uc *FaceUseCase) Register(ctx context.Context, userID, payload string) error {
	if userID == "" || payload == "" {
		return ErrMissingFields
	}
	if err := facestore.ValidateKey(userID); err != nil {
		return ErrInvalidUserID
	}
	opLogger := logging.WithUser(uc.logger, "usecase.register", "", userID)

	img, err := imagecodec.Decode(payload)
	if err != nil {
		opLogger.Info("rejecting undecodable image", zap.Error(err))
		return ErrInvalidImage
	}

	if _, ok, err := uc.firstEmbedding(ctx, img, "usecase.register.detect"); err != nil {
		return err
	} else if !ok {
		return ErrNoFace
	}

	if err := uc.store.Put(ctx, userID, img); err != nil {
		wrapped := logging.NewOperationError("usecase.register.store", "", err)
		opLogger.Error("failed to store face", zap.Error(wrapped))
		return wrapped
	}

	opLogger.Info("face registered")
	return nil
}

// Verify compares payload with the face registered for userID.
func (uc *FaceUseCase) Verify(ctx context.Context, userID, payload string) (*VerifyResult, error) {
	if userID == "" || payload == "" {
		return nil, ErrMissingFields
	}
	if err := facestore.ValidateKey(userID); err != nil {
		return nil, ErrInvalidUserID
	}
	requestID := uc.newID()
	opLogger := logging.WithUser(uc.logger, "usecase.verify", requestID, userID)

	stored, err := uc.store.Get(ctx, userID)
	if errors.Is(err, facestore.ErrNotFound) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		wrapped := logging.NewOperationError("usecase.verify.load", requestID, err)
		opLogger.Error("failed to load stored face", zap.Error(wrapped))
		return nil, wrapped
	}

	known, ok, err := uc.firstEmbedding(ctx, stored, "usecase.verify.detect_stored")
	if err != nil {
		return nil, err
	}
	if !ok {
		opLogger.Error("stored face no longer yields an embedding")
		return nil, ErrStoredFaceInvalid
	}

	img, err := imagecodec.Decode(payload)
	if err != nil {
		opLogger.Info("rejecting undecodable image", zap.Error(err))
		return nil, ErrInvalidCurrentImage
	}

	current, ok, err := uc.firstEmbedding(ctx, img, "usecase.verify.detect_current")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoFaceInCurrentImage
	}

	match, distance, err := recognition.Compare(known, current, uc.tolerance)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.verify.compare", requestID, err)
		opLogger.Error("failed to compare embeddings", zap.Error(wrapped))
		return nil, wrapped
	}

	result := &VerifyResult{
		RequestID:  requestID,
		Match:      match,
		Distance:   distance,
		Confidence: recognition.Confidence(distance),
	}
	opLogger.Info("face verified", zap.Bool("match", match), zap.Float64("distance", distance))

	uc.record(context.WithoutCancel(ctx), userID, result)
	return result, nil
}

// GetResult returns the audit record of a verify call, from the cache when
// possible.
func (uc *FaceUseCase) GetResult(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		var (
			cached string
			miss   bool
		)
		err := retry.Do(ctx, uc.logger, uc.policy, "cache.get.result", requestID, func() error {
			value, err := uc.cache.Get(ctx, requestID)
			if errors.Is(err, redis.Nil) {
				miss = true
				return nil
			}
			if err != nil {
				return err
			}
			cached = value
			return nil
		})
		switch {
		case err != nil:
			opLogger.Warn("failed to read cache", zap.Error(err))
		case !miss:
			var payload cachedVerification
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else {
				return payload.toLog(requestID), nil
			}
		}
	}

	if uc.repo == nil {
		return nil, ErrResultNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

func (uc *FaceUseCase) firstEmbedding(ctx context.Context, img image.Image, operation string) (recognition.Embedding, bool, error) {
	embeddings, err := uc.detector.DetectAndEncode(ctx, img)
	if err != nil {
		wrapped := logging.NewOperationError(operation, "", err)
		uc.logger.Error("face detection failed", zap.String("operation", operation), zap.Error(err))
		return nil, false, wrapped
	}
	e, ok := recognition.First(embeddings)
	return e, ok, nil
}

type cachedVerification struct {
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	Matched    bool      `json:"matched"`
	Distance   float64   `json:"distance"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

func (c cachedVerification) toLog(requestID string) *repository.VerificationLog {
	log := &repository.VerificationLog{
		RequestID:  c.RequestID,
		UserID:     c.UserID,
		Matched:    c.Matched,
		Distance:   c.Distance,
		Confidence: c.Confidence,
		CreatedAt:  c.CreatedAt,
	}
	if log.RequestID == "" {
		log.RequestID = requestID
	}
	return log
}

// record writes the audit entry. Failures are logged and never reach the
// caller: the verification answer does not depend on them.
func (uc *FaceUseCase) record(ctx context.Context, userID string, result *VerifyResult) {
	if uc.repo == nil && uc.cache == nil {
		return
	}
	opLogger := logging.WithUser(uc.logger, "usecase.record", result.RequestID, userID)

	log := &repository.VerificationLog{
		RequestID:  result.RequestID,
		UserID:     userID,
		Matched:    result.Match,
		Distance:   result.Distance,
		Confidence: result.Confidence,
		CreatedAt:  uc.now(),
	}

	if uc.repo != nil {
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Warn("failed to persist verification log", zap.Error(err))
		}
	}

	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(cachedVerification{
		RequestID:  log.RequestID,
		UserID:     log.UserID,
		Matched:    log.Matched,
		Distance:   log.Distance,
		Confidence: log.Confidence,
		CreatedAt:  log.CreatedAt,
	})
	if err != nil {
		opLogger.Warn("failed to serialize verification result", zap.Error(err))
		return
	}
	if err := retry.Do(ctx, uc.logger, uc.policy, "cache.set.result", result.RequestID, func() error {
		return uc.cache.Set(ctx, result.RequestID, string(serialized), resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache verification result", zap.Error(err))
	}
}
