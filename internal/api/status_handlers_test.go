package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/bucket"
	"github.com/ilialebedev/metafetcher/internal/crawl"
	"github.com/ilialebedev/metafetcher/internal/store"
)

type fakeProgressSource struct {
	generation int
	ledger     map[string]bool
	docs       map[string]*crawl.CategoryDoc
	err        error
}

func (f *fakeProgressSource) LatestGeneration() (int, error) {
	return f.generation, f.err
}

func (f *fakeProgressSource) LoadLedger(int) (map[string]bool, error) {
	return f.ledger, f.err
}

func (f *fakeProgressSource) LoadCategory(key string) (*crawl.CategoryDoc, error) {
	return f.docs[key], f.err
}

type fakeRunRepo struct {
	passes map[uuid.UUID][]store.PassRun
	err    error
}

func (f *fakeRunRepo) StartPass(context.Context, store.PassRun) error { return nil }

func (f *fakeRunRepo) FinishPass(context.Context, uuid.UUID, time.Time, store.PassOutcome, *string) error {
	return nil
}

func (f *fakeRunRepo) LatestPass(_ context.Context, runID uuid.UUID) (store.PassRun, error) {
	if f.err != nil {
		return store.PassRun{}, f.err
	}
	passes := f.passes[runID]
	if len(passes) == 0 {
		return store.PassRun{}, store.ErrNotFound
	}
	return passes[0], nil
}

func (f *fakeRunRepo) ListPasses(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.PassRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	passes := f.passes[runID]
	if offset >= len(passes) {
		return nil, nil
	}
	end := offset + limit
	if end > len(passes) {
		end = len(passes)
	}
	return passes[offset:end], nil
}

func (f *fakeRunRepo) Close() {}

func testServer(source ProgressSource, repo store.RunRepository) *Server {
	progress := NewProgressHandler(source, []string{"music"}, bucket.Targets{"less-1day": 2}, zap.NewNop())
	runs := NewRunsHandler(repo, zap.NewNop())
	return NewServer(progress, runs, zap.NewNop())
}

func TestGetProgress(t *testing.T) {
	t.Parallel()

	doc := crawl.NewCategoryDoc(bucket.Labels)
	doc.Buckets["less-1day"]["vid1"] = crawl.Record{ViewCount: 10}

	source := &fakeProgressSource{
		generation: 0,
		ledger:     map[string]bool{"music": false},
		docs:       map[string]*crawl.CategoryDoc{"music": doc},
	}
	srv := testServer(source, &fakeRunRepo{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Generation int             `json:"generation"`
		Ledger     map[string]bool `json:"ledger"`
		Categories []struct {
			Category     string         `json:"category"`
			Complete     bool           `json:"complete"`
			Collected    int            `json:"collected"`
			BucketCounts map[string]int `json:"bucket_counts"`
			Missing      map[string]int `json:"missing"`
		} `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0, resp.Generation)
	require.Len(t, resp.Categories, 1)
	require.Equal(t, "music", resp.Categories[0].Category)
	require.False(t, resp.Categories[0].Complete)
	require.Equal(t, 1, resp.Categories[0].Collected)
	require.Equal(t, 1, resp.Categories[0].BucketCounts["less-1day"])
	require.Equal(t, 1, resp.Categories[0].Missing["less-1day"])
}

func TestGetProgress_MissingDocReportsFullShortfall(t *testing.T) {
	t.Parallel()

	source := &fakeProgressSource{generation: -1}
	srv := testServer(source, &fakeRunRepo{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"generation":-1`)
	require.Contains(t, rec.Body.String(), `"missing":{"less-1day":2}`)
}

func TestGetProgress_SourceUnavailable(t *testing.T) {
	t.Parallel()

	srv := testServer(nil, &fakeRunRepo{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	finished := time.Unix(1700003600, 0).UTC()
	repo := &fakeRunRepo{passes: map[uuid.UUID][]store.PassRun{
		runID: {{
			ID:         uuid.New(),
			RunID:      runID,
			Generation: 1,
			StartedAt:  time.Unix(1700000000, 0).UTC(),
			FinishedAt: &finished,
			Outcome:    store.PassComplete,
		}},
	}}
	srv := testServer(&fakeProgressSource{}, repo)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+runID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"outcome":"complete"`)
	require.Contains(t, rec.Body.String(), `"generation":1`)
}

func TestGetRun_NotFound(t *testing.T) {
	t.Parallel()

	srv := testServer(&fakeProgressSource{}, &fakeRunRepo{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRun_InvalidID(t *testing.T) {
	t.Parallel()

	srv := testServer(&fakeProgressSource{}, &fakeRunRepo{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRunPasses_LimitValidation(t *testing.T) {
	t.Parallel()

	srv := testServer(&fakeProgressSource{}, &fakeRunRepo{})

	url := "/api/runs/" + uuid.NewString() + "/passes?limit=0"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRunPasses(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &fakeRunRepo{passes: map[uuid.UUID][]store.PassRun{
		runID: {
			{ID: uuid.New(), RunID: runID, Generation: 1, Outcome: store.PassComplete},
			{ID: uuid.New(), RunID: runID, Generation: 0, Outcome: store.PassComplete},
		},
	}}
	srv := testServer(&fakeProgressSource{}, repo)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+runID.String()+"/passes", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Passes []json.RawMessage `json:"passes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Passes, 2)
}

func TestRunsUnavailableWithoutRepo(t *testing.T) {
	t.Parallel()

	srv := testServer(&fakeProgressSource{}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
