// Package dlib is the production recognition backend. It runs the dlib
// ResNet face models through github.com/Kagami/go-face.
package dlib

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/Kagami/go-face"
	"go.uber.org/zap"

	"github.com/example/face-check/internal/imagecodec"
	"github.com/example/face-check/internal/recognition"
)

// The dlib loader only reads JPEG, so every image is re-encoded first.
const encodeQuality = 95

// ErrClosed is returned by DetectAndEncode after Close.
var ErrClosed = errors.New("dlib: recognizer closed")

// Detector wraps one shared go-face recognizer.
type Detector struct {
	mu     sync.Mutex
	rec    *face.Recognizer
	logger *zap.Logger
}

var _ recognition.Detector = (*Detector)(nil)

// NewDetector loads the shape predictor and recognition models from
// modelsDir.
func NewDetector(modelsDir string, logger *zap.Logger) (*Detector, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("load face models from %s: %w", modelsDir, err)
	}
	logger.Info("face models loaded", zap.String("models_dir", modelsDir))
	return &Detector{rec: rec, logger: logger.Named("dlib")}, nil
}

// DetectAndEncode returns one 128-dimensional embedding per detected face.
// The call itself cannot be interrupted once started; ctx is only checked
// before queueing for the recognizer.
func (d *Detector) DetectAndEncode(ctx context.Context, img image.Image) ([]recognition.Embedding, error) {
	data, err := imagecodec.EncodeJPEG(img, encodeQuality)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.rec == nil {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	faces, err := d.rec.Recognize(data)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("recognize faces: %w", err)
	}

	embeddings := make([]recognition.Embedding, 0, len(faces))
	for _, f := range faces {
		e := make(recognition.Embedding, len(f.Descriptor))
		copy(e, f.Descriptor[:])
		embeddings = append(embeddings, e)
	}
	d.logger.Debug("faces detected", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

// Close releases the native recognizer.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec != nil {
		d.rec.Close()
		d.rec = nil
	}
}
