package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/store"
)

// FakeBroker hands out a token for every page URL and records the order in
// which pages were requested.
type FakeBroker struct {
	mu    sync.Mutex
	calls []string
	gate  chan struct{}
	// Err, when set, is returned instead of a capture.
	Err error
}

func (b *FakeBroker) Intercept(ctx context.Context, pageURL string, timeout time.Duration) (*models.TokenCapture, error) {
	b.mu.Lock()
	b.calls = append(b.calls, pageURL)
	err := b.Err
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &models.TokenCapture{ContentID: "content-" + pageURL, AccessToken: "token"}, nil
}

// SetErr changes the error returned by later calls.
func (b *FakeBroker) SetErr(err error) {
	b.mu.Lock()
	b.Err = err
	b.mu.Unlock()
}

// SetGate makes Intercept block until gate is closed.
func (b *FakeBroker) SetGate(gate chan struct{}) {
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()
}

// Calls returns the page URLs requested so far.
func (b *FakeBroker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// FakeExtractor returns Pages page descriptors with URLs under
// http://images.test/<contentID>/. Errs are returned by successive calls
// before it starts succeeding.
type FakeExtractor struct {
	mu    sync.Mutex
	calls int
	Pages int
	Errs  []error
}

func (e *FakeExtractor) Extract(ctx context.Context, contentID, accessToken, refererURL string) ([]models.ImageDescriptor, error) {
	e.mu.Lock()
	e.calls++
	var err error
	if len(e.Errs) > 0 {
		err, e.Errs = e.Errs[0], e.Errs[1:]
	}
	pages := e.Pages
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	images := make([]models.ImageDescriptor, pages)
	for i := range images {
		images[i] = models.ImageDescriptor{
			PageNumber:     i + 1,
			OriginalURL:    fmt.Sprintf("http://images.test/%s/%d.png", contentID, i+1),
			DownloadStatus: models.ImagePending,
		}
	}
	return images, nil
}

func (e *FakeExtractor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// FakeFetcher serves Data for every URL. URLs in Fail return their error;
// URLs in Delay are answered after the given duration. While Gate is set,
// fetches wait for it to be closed.
type FakeFetcher struct {
	mu    sync.Mutex
	calls int
	Data  []byte
	Fail  map[string]error
	Delay map[string]time.Duration
	Gate  chan struct{}
}

func (f *FakeFetcher) Fetch(ctx context.Context, imageURL, accessToken, refererURL string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	err := f.Fail[imageURL]
	delay := f.Delay[imageURL]
	gate := f.Gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}

func (f *FakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// SetGate replaces the gate fetches wait on.
func (f *FakeFetcher) SetGate(gate chan struct{}) {
	f.mu.Lock()
	f.Gate = gate
	f.mu.Unlock()
}

type chapterKey struct {
	series  string
	chapter float64
}

// FakeChapterStore keeps chapters in memory. Available is reported as free
// space; CleanupOldest frees CleanupFrees bytes per call. StatsErrs are
// returned by successive Stats calls before it starts succeeding.
type FakeChapterStore struct {
	mu           sync.Mutex
	chapters     map[chapterKey][]models.ImageDescriptor
	order        []chapterKey
	Available    int64
	CleanupFrees int64
	StatsErrs    []error
	cleanups     int
}

func NewFakeChapterStore(available int64) *FakeChapterStore {
	return &FakeChapterStore{
		chapters:  make(map[chapterKey][]models.ImageDescriptor),
		Available: available,
	}
}

func (s *FakeChapterStore) IsDownloaded(ctx context.Context, seriesID string, chapterNumber float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chapters[chapterKey{seriesID, chapterNumber}]
	return ok, nil
}

func (s *FakeChapterStore) GetImages(ctx context.Context, seriesID string, chapterNumber float64) ([]models.ImageDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	images, ok := s.chapters[chapterKey{seriesID, chapterNumber}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return images, nil
}

func (s *FakeChapterStore) Save(ctx context.Context, seriesID, seriesTitle string, chapterNumber float64, images []models.ImageDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chapterKey{seriesID, chapterNumber}
	if _, ok := s.chapters[key]; ok {
		return store.ErrAlreadyExists
	}
	saved := make([]models.ImageDescriptor, len(images))
	for i, img := range images {
		img.Data = nil
		saved[i] = img
	}
	s.chapters[key] = saved
	s.order = append(s.order, key)
	return nil
}

func (s *FakeChapterStore) Delete(ctx context.Context, seriesID string, chapterNumber float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chapterKey{seriesID, chapterNumber}
	delete(s.chapters, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *FakeChapterStore) Stats(ctx context.Context) (models.StorageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.StatsErrs) > 0 {
		err := s.StatsErrs[0]
		s.StatsErrs = s.StatsErrs[1:]
		return models.StorageStats{}, err
	}
	return models.StorageStats{AvailableSpace: s.Available, TotalChapters: len(s.chapters)}, nil
}

func (s *FakeChapterStore) CleanupOldest(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	if len(s.order) > 0 {
		delete(s.chapters, s.order[0])
		s.order = s.order[1:]
	}
	s.Available += s.CleanupFrees
	return nil
}

// Saved returns the stored descriptors of a chapter.
func (s *FakeChapterStore) Saved(seriesID string, chapterNumber float64) ([]models.ImageDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	images, ok := s.chapters[chapterKey{seriesID, chapterNumber}]
	return images, ok
}

func (s *FakeChapterStore) Cleanups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanups
}

// FakeValidator returns Scores in order, then 100 forever.
type FakeValidator struct {
	mu     sync.Mutex
	calls  int
	Scores []int
}

func (v *FakeValidator) Check(ctx context.Context, seriesID string, chapterNumber float64, opts models.ValidationOptions) (*models.ValidationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	score := 100
	if len(v.Scores) > 0 {
		score, v.Scores = v.Scores[0], v.Scores[1:]
	}
	action := models.ActionNone
	switch {
	case score < 30:
		action = models.ActionRedownload
	case score < 50:
		action = models.ActionReview
	}
	return &models.ValidationResult{
		IsValid:           score >= 50,
		IntegrityScore:    score,
		RecommendedAction: action,
		ExpectedPages:     opts.ExpectedPages,
	}, nil
}

func (v *FakeValidator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}
