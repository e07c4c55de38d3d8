// Package tryon orchestrates the generation pipeline: resolve inputs,
// gate on photo suitability, classify the product, run the retried
// model call, validate the response, and settle quota and usage.
package tryon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/circuitbreaker"
	"github.com/tryonplugin/tryon/internal/gemini"
	"github.com/tryonplugin/tryon/internal/logging"
	"github.com/tryonplugin/tryon/internal/metrics"
	"github.com/tryonplugin/tryon/internal/quota"
	"github.com/tryonplugin/tryon/internal/retry"
	"github.com/tryonplugin/tryon/internal/tenant"
	"github.com/tryonplugin/tryon/internal/traces"
	"github.com/tryonplugin/tryon/internal/usage"
)

// Model is the subset of the Gemini client the pipeline calls.
type Model interface {
	GenerateImage(ctx context.Context, parts []gemini.Part) (*gemini.ImageResult, error)
	GenerateText(ctx context.Context, parts []gemini.Part) (string, error)
}

// Config bounds the generation call.
type Config struct {
	// Timeout is the end-to-end deadline for one try-on, retries
	// included.
	Timeout time.Duration
	// Attempts is the total number of upstream calls per generation.
	Attempts int
	// RetryDelay is the backoff before the first retry.
	RetryDelay time.Duration
}

// DefaultConfig matches the widget's expectations: generations that
// take longer than two minutes have effectively failed.
func DefaultConfig() Config {
	return Config{Timeout: 120 * time.Second, Attempts: 3, RetryDelay: time.Second}
}

// breakerKeyImage tracks the health of the upstream image model.
const breakerKeyImage = "gemini_image"

// Service runs the try-on pipeline.
type Service struct {
	model    Model
	fetcher  *Fetcher
	quotas   *quota.Manager
	recorder *usage.Recorder
	breaker  *circuitbreaker.Breaker
	cfg      Config
}

// NewService wires the pipeline together.
func NewService(model Model, fetcher *Fetcher, quotas *quota.Manager, recorder *usage.Recorder, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultConfig().Attempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	return &Service{
		model:    model,
		fetcher:  fetcher,
		quotas:   quotas,
		recorder: recorder,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		cfg:      cfg,
	}
}

// Request is one try-on submission. Exactly one of ProductImage and
// ProductImageURL must be set; a URL wins when both are.
type Request struct {
	UserImage        []byte
	UserImageType    string
	ProductImage     []byte
	ProductImageType string
	ProductImageURL  string
}

// Result is a successful try-on.
type Result struct {
	Category     string  `json:"category"`
	Confidence   float64 `json:"confidence"`
	ImageBase64  string  `json:"imageBase64"`
	MimeType     string  `json:"mimeType"`
	ProcessingMs int64   `json:"processingMs"`
}

// TryOn runs the full pipeline for an authenticated tenant. Every exit
// path records a usage event; quota is consumed only on success.
func (s *Service) TryOn(ctx context.Context, t *tenant.Tenant, req *Request) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "tryon.generate", traces.TenantID(t.ID))
	defer span.End()

	fail := func(err *apierr.Error) (*Result, error) {
		elapsed := time.Since(start).Milliseconds()
		s.recorder.Record(ctx, t.ID, usage.TypeTryOn, usage.OutcomeError, elapsed, string(err.Code))
		metrics.GenerationsTotal.WithLabelValues(outcomeLabel(err.Code)).Inc()
		span.SetAttributes(traces.Outcome("error"), traces.ErrorCode(string(err.Code)))
		return nil, err
	}

	if len(req.UserImage) == 0 {
		return fail(apierr.BadRequest(apierr.CodeMissingUserImage, "userImage is required"))
	}

	productData := req.ProductImage
	productMime := req.ProductImageType
	if req.ProductImageURL != "" {
		var err error
		productData, productMime, err = s.fetcher.Fetch(ctx, req.ProductImageURL)
		if err != nil {
			return fail(apierr.From(err))
		}
	}
	if len(productData) == 0 {
		return fail(apierr.BadRequest(apierr.CodeMissingProduct, "productImageUrl or productImage is required"))
	}

	// Suitability gate. Best-effort: an unreachable analyzer never
	// blocks a try-on, but an explicit unsuitable verdict does, before
	// any generation spend.
	if analysis := s.analyzePhoto(ctx, req.UserImage, req.UserImageType); !analysis.Suitable {
		reason := analysis.Reason
		if reason == "" {
			reason = "This photo may not work well for try-on. Please try a different photo."
		}
		return fail(apierr.Unprocessable(apierr.CodeUnsuitablePhoto, reason))
	}

	cls := s.classify(ctx, productData, productMime)
	span.SetAttributes(traces.Category(cls.Category))

	promptCategory := cls.Category
	if cls.Confidence < minConfidence {
		promptCategory = CategoryOther
	}

	parts := []gemini.Part{
		gemini.ImagePart(req.UserImageType, req.UserImage),
		gemini.ImagePart(productMime, productData),
		gemini.TextPart(categoryPrompt(promptCategory)),
	}

	// Circuit breaker: when the image model has been failing hard,
	// reject fast instead of burning the client's two-minute budget.
	if !s.breaker.Allow(breakerKeyImage) {
		return fail(apierr.New(http.StatusServiceUnavailable, apierr.CodeAPIServerError,
			"AI service is temporarily unavailable. Please try again shortly.", true))
	}

	var result *gemini.ImageResult
	retryCfg := retry.Config{
		MaxAttempts:  s.cfg.Attempts,
		InitialDelay: s.cfg.RetryDelay,
		RetryIf:      gemini.Retryable,
	}
	attempts := 0
	err := retry.Do(ctx, retryCfg, func() error {
		attempts++
		r, genErr := s.model.GenerateImage(ctx, parts)
		if genErr == nil {
			result = r
		}
		return genErr
	})
	if attempts > 1 {
		metrics.GenerationRetries.Add(float64(attempts - 1))
	}
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if upstreamOutage(ctx, err) {
			s.breaker.RecordFailure(breakerKeyImage)
		}
		ae := upstreamError(ctx, err)
		if ae.Code == apierr.CodeNoImage {
			var noImage *gemini.NoImageError
			if errors.As(err, &noImage) {
				logging.L(ctx).Warn("model returned text instead of image", "text", noImage.Text)
			}
		}
		return fail(ae)
	}

	s.breaker.RecordSuccess(breakerKeyImage)

	// Success ordering: quota first, so a client retry after a dropped
	// response can't double-bill; the event after, so dashboards see
	// what was billed. Neither write may fail the response.
	if err := s.quotas.Consume(ctx, t.ID); err != nil {
		logging.L(ctx).Error("quota increment failed after successful generation", "error", err)
	}
	elapsed := time.Since(start).Milliseconds()
	s.recorder.Record(ctx, t.ID, usage.TypeTryOn, usage.OutcomeSuccess, elapsed, "")
	metrics.GenerationsTotal.WithLabelValues("success").Inc()
	span.SetAttributes(traces.Outcome("success"))

	return &Result{
		Category:     cls.Category,
		Confidence:   cls.Confidence,
		ImageBase64:  result.ImageBase64,
		MimeType:     result.MimeType,
		ProcessingMs: elapsed,
	}, nil
}

// Classify runs the standalone classification endpoint: unlike the
// in-pipeline call, failures here surface to the client.
func (s *Service) Classify(ctx context.Context, t *tenant.Tenant, image []byte, mimeType string) (*Classification, error) {
	start := time.Now()

	ctx, span := traces.StartSpan(ctx, "tryon.classify", traces.TenantID(t.ID))
	defer span.End()

	if len(image) == 0 {
		s.recorder.Record(ctx, t.ID, usage.TypeClassify, usage.OutcomeError, 0, string(apierr.CodeMissingProduct))
		return nil, apierr.BadRequest(apierr.CodeMissingProduct, "productImage is required")
	}

	text, err := s.generateTextRetried(ctx, []gemini.Part{
		gemini.TextPart(classifyPrompt),
		gemini.ImagePart(mimeType, image),
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		s.recorder.Record(ctx, t.ID, usage.TypeClassify, usage.OutcomeError, elapsed, string(apierr.CodeClassifyError))
		return nil, apierr.New(http.StatusInternalServerError, apierr.CodeClassifyError, "Classification failed", true)
	}

	cls := parseClassification(text)
	span.SetAttributes(traces.Category(cls.Category))
	s.recorder.Record(ctx, t.ID, usage.TypeClassify, usage.OutcomeSuccess, elapsed, "")
	return cls, nil
}

// classify is the in-pipeline, best-effort variant: any failure
// degrades to the generic category.
func (s *Service) classify(ctx context.Context, image []byte, mimeType string) *Classification {
	text, err := s.generateTextRetried(ctx, []gemini.Part{
		gemini.TextPart(classifyPrompt),
		gemini.ImagePart(mimeType, image),
	})
	if err != nil {
		logging.L(ctx).Warn("product classification failed, using generic prompt", "error", err)
		return &Classification{Category: CategoryOther, Confidence: 0}
	}
	return parseClassification(text)
}

// analyzePhoto asks the text model whether the user photo can work.
// Errors and unparseable output default to suitable.
func (s *Service) analyzePhoto(ctx context.Context, image []byte, mimeType string) photoAnalysis {
	text, err := s.model.GenerateText(ctx, []gemini.Part{
		gemini.ImagePart(mimeType, image),
		gemini.TextPart(analyzePrompt),
	})
	if err != nil {
		logging.L(ctx).Warn("photo analysis failed, proceeding with generation", "error", err)
		return photoAnalysis{Suitable: true}
	}

	var analysis photoAnalysis
	if jsonErr := unmarshalAnalysis(text, &analysis); jsonErr != nil {
		return photoAnalysis{Suitable: true}
	}
	return analysis
}

func (s *Service) generateTextRetried(ctx context.Context, parts []gemini.Part) (string, error) {
	var text string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  s.cfg.Attempts,
		InitialDelay: s.cfg.RetryDelay,
		RetryIf:      gemini.Retryable,
	}, func() error {
		var genErr error
		text, genErr = s.model.GenerateText(ctx, parts)
		return genErr
	})
	return text, err
}

// upstreamOutage reports whether a generation failure indicates the
// model service itself is unhealthy, as opposed to a per-image verdict
// like a safety block. Only outages count against the circuit breaker.
func upstreamOutage(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *gemini.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// upstreamError maps a failed generation to the client-facing taxonomy.
func upstreamError(ctx context.Context, err error) *apierr.Error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return apierr.GatewayTimeout(apierr.CodeTimeout, "Request timed out")
	case errors.Is(err, gemini.ErrSafetyBlocked):
		return apierr.Unprocessable(apierr.CodeSafetyBlock, "The image could not be processed. Please try a different photo.")
	case errors.Is(err, gemini.ErrRecitationBlocked):
		return apierr.Unprocessable(apierr.CodeRecitationBlock, "The image could not be processed. Please try a different photo.")
	case errors.Is(err, gemini.ErrEmptyResponse):
		return apierr.BadGateway(apierr.CodeEmptyResponse, "No result returned from model")
	}

	var noImage *gemini.NoImageError
	if errors.As(err, &noImage) {
		return apierr.BadGateway(apierr.CodeNoImage, "No image returned from model. Please try again.")
	}

	var statusErr *gemini.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return apierr.TooManyRequests(apierr.CodeUpstreamRateLimited, "Too many requests. Please wait a moment and try again.")
		case statusErr.StatusCode >= 500:
			return apierr.BadGateway(apierr.CodeAPIServerError, "AI service is temporarily unavailable. Please try again.")
		default:
			return apierr.New(statusErr.StatusCode, apierr.CodeAPIClientError,
				fmt.Sprintf("Invalid request to AI model (status %d)", statusErr.StatusCode), false)
		}
	}

	return apierr.New(http.StatusInternalServerError, apierr.CodeTryonError, "Try-on generation failed", true)
}

// outcomeLabel buckets error codes for the generations metric.
func outcomeLabel(code apierr.Code) string {
	switch code {
	case apierr.CodeSafetyBlock:
		return "safety_block"
	case apierr.CodeRecitationBlock:
		return "recitation_block"
	case apierr.CodeNoImage:
		return "no_image"
	case apierr.CodeEmptyResponse:
		return "empty_response"
	case apierr.CodeTimeout:
		return "timeout"
	default:
		return "error"
	}
}
