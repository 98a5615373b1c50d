// Package imagepipeline decodes, optimizes, re-encodes, and uploads
// image attachments, with a content-hash cache and a failover chain
// across configured file-host endpoints.
package imagepipeline

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/llmbridge/gateway/internal/entity"
)

// Config is the effective image-optimization + filebed configuration for
// one call, already merged (per-binding overrides global).
type Config struct {
	Enabled      bool
	MaxWidth     int
	MaxHeight    int
	TargetFormat string // png|jpeg|webp, empty = keep source format
	TargetSizeKB int
	JPEGQuality  int
	WebPQuality  int
	MinQuality   int

	Filebed FilebedConfig
	Local   *LocalSaveFormat

	// PlaceholderOnDecodeFailure renders a diagnostic "image unavailable"
	// PNG instead of passing the undecodable source bytes through.
	PlaceholderOnDecodeFailure bool
}

// FilebedConfig configures the host-upload fallback chain.
type FilebedConfig struct {
	Strategy            string // random|round_robin|failover
	RecoveryInterval     time.Duration
	Endpoints           []entity.FilebedEndpoint
}

// LocalSaveFormat re-encodes the diagnostic archive copy independent of
// the upload pipeline's own encoding.
type LocalSaveFormat struct {
	Format  string
	Quality int
}

// Uploader performs the actual network upload to one file-host endpoint.
// Split out as an interface so the pipeline's retry/failover logic can
// be tested without a real HTTP round trip.
type Uploader interface {
	Upload(ctx context.Context, endpoint entity.FilebedEndpoint, data []byte, contentType string) (string, error)
}

// Archiver persists the locally-downloaded diagnostic copy under
// downloaded_images/YYYYMMDD/. Optional; nil disables local archival.
type Archiver interface {
	Archive(ctx context.Context, data []byte, ext string) error
}

// Downloader fetches a remote image URL's bytes. Split out so it can be
// capped by the shared download semaphore and retried.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// Pipeline implements the image processing flow.
type Pipeline struct {
	cache       *cache.Cache
	uploader    Uploader
	downloader  Downloader
	archiver    Archiver
	downloadSem *semaphore.Weighted
	global      func() Config
	logger      *zap.Logger

	mu       sync.Mutex
	rrCursor int
	rng      *rand.Rand
}

// New constructs a Pipeline. cacheTTL/cacheCleanup follow
// patrickmn/go-cache's usual construction idiom; maxConcurrentDownloads
// bounds the shared download semaphore (default 50). global supplies
// the current global image-optimization + filebed configuration per
// call, so hot reloads take effect without rebuilding the pipeline; nil
// falls back to built-in defaults.
func New(cacheTTL, cacheCleanup time.Duration, maxConcurrentDownloads int64, global func() Config, uploader Uploader, downloader Downloader, archiver Archiver, logger *zap.Logger) *Pipeline {
	if maxConcurrentDownloads <= 0 {
		maxConcurrentDownloads = 50
	}
	return &Pipeline{
		cache:       cache.New(cacheTTL, cacheCleanup),
		uploader:    uploader,
		downloader:  downloader,
		archiver:    archiver,
		downloadSem: semaphore.NewWeighted(maxConcurrentDownloads),
		global:      global,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      logger.With(zap.String("component", "image-pipeline")),
	}
}

// ProcessImage implements the ImageProcessor interface expected by the
// translator package. roleContext is the originating message's role
// ("user" | "assistant"), used only for logging here.
func (p *Pipeline) ProcessImage(ctx context.Context, payload, roleContext string, modelCfg *entity.ImageCompressionConfig) (string, error) {
	cfg := p.resolveConfig(modelCfg)

	raw, contentType, err := p.fetchBytes(ctx, payload)
	if err != nil {
		// Decode/fetch failure: return the original payload with a
		// diagnostic logged, never block the request on image failure.
		p.logger.Warn("image fetch failed, passing through original payload", zap.Error(err), zap.String("role", roleContext))
		return payload, nil
	}

	hash := contentHash(raw)
	if cached, ok := p.cache.Get(hash); ok {
		return cached.(string), nil
	}

	output := raw
	outContentType := contentType
	if cfg.Enabled {
		optimized, optType, err := Optimize(raw, contentType, cfg)
		if err != nil {
			var decodeErr *DecodeError
			if cfg.PlaceholderOnDecodeFailure && stderrors.As(err, &decodeErr) {
				p.logger.Warn("image decode failed, using placeholder", zap.Error(err))
				output = renderUnavailablePlaceholder("image unavailable")
				outContentType = "image/png"
			} else {
				p.logger.Warn("image optimization failed, using original bytes", zap.Error(err))
			}
		} else {
			output = optimized
			outContentType = optType
		}
	}

	if p.archiver != nil {
		ext := extFromContentType(outContentType)
		if err := p.archiver.Archive(ctx, output, ext); err != nil {
			p.logger.Warn("local archive failed", zap.Error(err))
		}
	}

	result := p.uploadOrInline(ctx, output, outContentType, cfg)

	p.cache.Set(hash, result, cache.DefaultExpiration)
	return result, nil
}

func (p *Pipeline) resolveConfig(override *entity.ImageCompressionConfig) Config {
	var cfg Config
	if p.global != nil {
		cfg = p.global()
	} else {
		cfg = Config{
			Enabled:     true,
			MaxWidth:    2048,
			MaxHeight:   2048,
			JPEGQuality: 85,
			WebPQuality: 85,
			MinQuality:  10,
		}
	}
	if override == nil {
		return cfg
	}
	if !override.Enabled {
		cfg.Enabled = false
	}
	if override.MaxWidth > 0 {
		cfg.MaxWidth = override.MaxWidth
	}
	if override.MaxHeight > 0 {
		cfg.MaxHeight = override.MaxHeight
	}
	if override.TargetFormat != "" {
		cfg.TargetFormat = override.TargetFormat
	}
	if override.TargetSizeKB > 0 {
		cfg.TargetSizeKB = override.TargetSizeKB
	}
	if override.JPEGQuality > 0 {
		cfg.JPEGQuality = override.JPEGQuality
	}
	if override.WebPQuality > 0 {
		cfg.WebPQuality = override.WebPQuality
	}
	if override.MinQuality > 0 {
		cfg.MinQuality = override.MinQuality
	}
	return cfg
}

func (p *Pipeline) fetchBytes(ctx context.Context, payload string) ([]byte, string, error) {
	if strings.HasPrefix(payload, "data:") {
		return decodeDataURI(payload)
	}

	if err := p.downloadSem.Acquire(ctx, 1); err != nil {
		return nil, "", errors.Wrap(err, "acquire download semaphore")
	}
	defer p.downloadSem.Release(1)

	if p.downloader == nil {
		return nil, "", errors.New("no downloader configured for remote image URL")
	}
	return p.downloader.Download(ctx, payload)
}

func decodeDataURI(uri string) ([]byte, string, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return nil, "", errors.New("malformed data URI")
	}
	header := uri[len("data:"):comma]
	contentType := strings.SplitN(header, ";", 2)[0]
	b64 := strings.HasSuffix(header, "base64")

	body := uri[comma+1:]
	if !b64 {
		return []byte(body), contentType, nil
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, "", errors.Wrap(err, "decode base64 data URI")
	}
	return raw, contentType, nil
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256([]byte(base64.StdEncoding.EncodeToString(raw)))
	return hex.EncodeToString(sum[:])
}

// uploadOrInline tries the configured filebed endpoints in strategy
// order; on total failure it falls back to an inline data URI.
func (p *Pipeline) uploadOrInline(ctx context.Context, data []byte, contentType string, cfg Config) string {
	if p.uploader == nil || len(cfg.Filebed.Endpoints) == 0 {
		return inlineDataURI(data, contentType)
	}

	order := p.endpointOrder(cfg.Filebed)
	for _, ep := range order {
		if !ep.Enabled || p.EndpointDisabled(ep.Name) {
			continue
		}
		url, err := p.uploader.Upload(ctx, ep, data, contentType)
		if err == nil {
			return url
		}
		p.logger.Warn("filebed endpoint failed, trying next", zap.String("endpoint", ep.Name), zap.Error(err))
		p.disableTemporarily(ep.Name, cfg.Filebed.RecoveryInterval)
	}

	return inlineDataURI(data, contentType)
}

func (p *Pipeline) endpointOrder(cfg FilebedConfig) []entity.FilebedEndpoint {
	eps := make([]entity.FilebedEndpoint, len(cfg.Endpoints))
	copy(eps, cfg.Endpoints)
	if len(eps) == 0 {
		return eps
	}

	switch cfg.Strategy {
	case "round_robin":
		p.mu.Lock()
		p.rrCursor = (p.rrCursor + 1) % len(eps)
		cursor := p.rrCursor
		p.mu.Unlock()
		eps = append(eps[cursor:], eps[:cursor]...)
	case "random":
		p.mu.Lock()
		p.rng.Shuffle(len(eps), func(i, j int) { eps[i], eps[j] = eps[j], eps[i] })
		p.mu.Unlock()
	}
	return eps
}

func (p *Pipeline) disableTemporarily(name string, recovery time.Duration) {
	if recovery <= 0 {
		recovery = 5 * time.Minute
	}
	p.cache.Set("filebed-disabled:"+name, time.Now(), recovery)
}

// EndpointDisabled reports whether an endpoint is currently within its
// post-failure recovery window.
func (p *Pipeline) EndpointDisabled(name string) bool {
	_, ok := p.cache.Get("filebed-disabled:" + name)
	return ok
}

func inlineDataURI(data []byte, contentType string) string {
	if contentType == "" {
		contentType = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))
}

func extFromContentType(ct string) string {
	switch ct {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}
