// Package recovery classifies download failures and decides how the download
// manager should react to them.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/config"
	"github.com/vrsandeep/chapterdl/internal/models"
)

// Strategy is the kind of remediation a Decision asks for.
type Strategy string

const (
	StrategyRetry           Strategy = "retry"
	StrategyCleanupAndRetry Strategy = "cleanup-and-retry"
	StrategyAbort           Strategy = "abort"
	StrategyUserAction      Strategy = "user-action"
)

// Decision is the policy's answer for one failed attempt.
type Decision struct {
	Strategy           Strategy
	ShouldRetry        bool
	Delay              time.Duration
	RequiresUserAction bool
	Message            string
	Suggestions        []string
}

// Context describes the download the failure belongs to.
type Context struct {
	SeriesID      string
	ChapterNumber float64
	CanCleanup    bool
}

// SpaceManager is the part of the chapter store the policy may use to reclaim
// space before retrying a storage failure.
type SpaceManager interface {
	Stats(ctx context.Context) (models.StorageStats, error)
	CleanupOldest(ctx context.Context) error
}

const (
	criticalUsagePercent = 95.0
	highUsagePercent     = 85.0
)

// Policy holds the retry tunables. It keeps no per-download state.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Multiplier     float64
	RateLimitDelay time.Duration
	RequiredSpace  int64

	space SpaceManager
	log   zerolog.Logger
}

// New builds a policy from the downloader options. space may be nil, in
// which case storage failures never trigger cleanup.
func New(opts config.Options, space SpaceManager, log zerolog.Logger) *Policy {
	return &Policy{
		MaxAttempts:    opts.MaxAttempts,
		BaseDelay:      opts.BackoffBase,
		Multiplier:     2,
		RateLimitDelay: opts.RateLimitDelay,
		RequiredSpace:  opts.RequiredSpace,
		space:          space,
		log:            log,
	}
}

var (
	cancelledWords = []string{"cancel", "abort"}
	networkWords   = []string{"network", "fetch", "timeout", "connection"}
	storageWords   = []string{"storage", "space", "disk", "quota"}
	parsingWords   = []string{"parse", "extract", "invalid", "corrupt"}

	statusPattern = regexp.MustCompile(`status (\d{3})`)
)

// Classify maps an error onto the failure taxonomy. Typed errors win over
// message matching.
func (p *Policy) Classify(err error) models.DownloadErrorKind {
	if err == nil {
		return models.ErrorUnknown
	}

	var dlErr *models.DownloadError
	if errors.As(err, &dlErr) && dlErr.Kind != "" {
		return dlErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrorCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorNetwork
	}
	var statusErr *models.StatusError
	if errors.As(err, &statusErr) {
		return models.ErrorNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, cancelledWords):
		return models.ErrorCancelled
	case containsAny(msg, networkWords):
		return models.ErrorNetwork
	case containsAny(msg, storageWords):
		return models.ErrorStorageFull
	case containsAny(msg, parsingWords):
		return models.ErrorParsing
	default:
		return models.ErrorUnknown
	}
}

// Backoff is BaseDelay × Multiplier^(attempt-1).
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
}

// Decide returns the recovery decision for an attempt that failed with err.
// attempt is 1-based and counts the attempt that just failed.
func (p *Policy) Decide(ctx context.Context, err error, attempt int, rc Context) Decision {
	kind := p.Classify(err)

	if kind == models.ErrorCancelled {
		return Decision{Strategy: StrategyAbort, Message: "Download cancelled"}
	}

	if attempt >= p.MaxAttempts {
		return Decision{
			Strategy:           StrategyAbort,
			RequiresUserAction: true,
			Message:            fmt.Sprintf("Download failed after %d attempts: %v", attempt, err),
			Suggestions:        []string{"Check your connection", "Retry the chapter later"},
		}
	}

	switch kind {
	case models.ErrorStorageFull:
		return p.decideStorage(ctx, err, rc)
	case models.ErrorNetwork:
		return p.decideNetwork(err, attempt)
	case models.ErrorParsing:
		return p.retry(attempt, "Could not read chapter data, retrying")
	default:
		return p.retry(attempt, "Unexpected error, retrying")
	}
}

func (p *Policy) retry(attempt int, msg string) Decision {
	return Decision{
		Strategy:    StrategyRetry,
		ShouldRetry: true,
		Delay:       p.Backoff(attempt),
		Message:     msg,
	}
}

func (p *Policy) decideNetwork(err error, attempt int) Decision {
	code := StatusCode(err)
	switch {
	case code == http.StatusTooManyRequests:
		return Decision{
			Strategy:    StrategyRetry,
			ShouldRetry: true,
			Delay:       p.RateLimitDelay,
			Message:     "Rate limited by the server, waiting before retrying",
		}
	case code >= 500:
		return p.retry(attempt, fmt.Sprintf("Server error %d, retrying", code))
	case code >= 400:
		return Decision{
			Strategy:           StrategyAbort,
			RequiresUserAction: code == http.StatusUnauthorized || code == http.StatusForbidden,
			Message:            fmt.Sprintf("Request rejected with status %d", code),
			Suggestions:        []string{"Open the chapter again to refresh access"},
		}
	default:
		return p.retry(attempt, "Network problem, retrying")
	}
}

func (p *Policy) decideStorage(ctx context.Context, err error, rc Context) Decision {
	if rc.CanCleanup && p.space != nil {
		if cleanErr := p.space.CleanupOldest(ctx); cleanErr != nil {
			p.log.Warn().Err(cleanErr).Msg("Storage cleanup failed")
		} else if stats, statErr := p.space.Stats(ctx); statErr == nil && stats.AvailableSpace >= p.RequiredSpace {
			return Decision{
				Strategy:    StrategyCleanupAndRetry,
				ShouldRetry: true,
				Delay:       p.BaseDelay,
				Message:     "Freed space by removing the oldest chapter",
			}
		}
	}

	usage := 0.0
	if p.space != nil {
		if stats, statErr := p.space.Stats(ctx); statErr == nil {
			usage = stats.UsagePercent()
		}
	}

	switch {
	case usage > criticalUsagePercent:
		return Decision{
			Strategy:           StrategyUserAction,
			RequiresUserAction: true,
			Message:            fmt.Sprintf("Storage is critically full (%.0f%% used)", usage),
			Suggestions:        []string{"Delete downloaded chapters", "Free up device storage"},
		}
	case usage >= highUsagePercent:
		return Decision{
			Strategy:           StrategyUserAction,
			RequiresUserAction: true,
			Message:            fmt.Sprintf("Storage is almost full (%.0f%% used)", usage),
			Suggestions:        []string{"Manually clean up old chapters"},
		}
	default:
		return Decision{
			Strategy: StrategyAbort,
			Message:  fmt.Sprintf("Not enough storage space: %v", err),
		}
	}
}

// Retryable reports whether a failure of this kind may succeed if tried
// again later, independent of the attempt budget.
func Retryable(kind models.DownloadErrorKind, statusCode int) bool {
	switch kind {
	case models.ErrorCancelled, models.ErrorStorageFull:
		return false
	case models.ErrorNetwork:
		return statusCode == 0 || statusCode == http.StatusTooManyRequests || statusCode >= 500
	default:
		return true
	}
}

// IsRecoverable reports whether a failure should park the download as paused
// rather than fail it: the fix is expected to come from outside (connectivity).
func IsRecoverable(kind models.DownloadErrorKind, statusCode int) bool {
	switch kind {
	case models.ErrorNetwork:
		return Retryable(kind, statusCode)
	case models.ErrorUnknown:
		return true
	default:
		return false
	}
}

// ToDownloadError converts err into the result error for a download.
func (p *Policy) ToDownloadError(err error, rc Context, d Decision) *models.DownloadError {
	var dlErr *models.DownloadError
	if errors.As(err, &dlErr) {
		out := *dlErr
		out.SeriesID, out.ChapterNumber = rc.SeriesID, rc.ChapterNumber
		if len(out.Suggestions) == 0 {
			out.Suggestions = d.Suggestions
		}
		return &out
	}

	kind := p.Classify(err)
	code := StatusCode(err)
	return &models.DownloadError{
		Kind:          kind,
		Message:       err.Error(),
		Retryable:     Retryable(kind, code),
		SeriesID:      rc.SeriesID,
		ChapterNumber: rc.ChapterNumber,
		StatusCode:    code,
		Suggestions:   d.Suggestions,
		Cause:         err,
	}
}

// StatusCode extracts an HTTP status code from err, 0 if there is none.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	var statusErr *models.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	var dlErr *models.DownloadError
	if errors.As(err, &dlErr) && dlErr.StatusCode != 0 {
		return dlErr.StatusCode
	}
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
